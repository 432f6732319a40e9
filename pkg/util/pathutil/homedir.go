package pathutil

import (
	homedir "github.com/mitchellh/go-homedir"
)

// HomeDir obtains the path to the user's home directory.
func HomeDir() string {
	dir, err := homedir.Dir()
	if err != nil {
		log.WithError(err).Warn("failed to resolve home directory")
		return ""
	}
	return dir
}
