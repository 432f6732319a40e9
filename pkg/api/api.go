// Package api exposes a node's management API over HTTP.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/skycoin/skycoin/src/util/logging"

	"github.com/meshnode/meshnode/internal/httputil"
	"github.com/meshnode/meshnode/pkg/node"
	"github.com/meshnode/meshnode/pkg/packet"
)

var log = logging.MustGetLogger("api")

// API serves the management endpoints of a single node.
type API struct {
	node *node.Node
}

// New creates an API around a node.
func New(n *node.Node) *API {
	return &API{node: n}
}

// ServeHTTP implements http.Handler
func (a *API) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r := chi.NewRouter()

	r.Use(middleware.Timeout(time.Second * 30))

	r.Route("/api", func(r chi.Router) {
		r.Get("/summary", a.getSummary())
		r.Get("/neighbors", a.getNeighbors())
		r.Get("/routes", a.getRoutes())
		r.Post("/flood", a.postFlood())
		r.Get("/transfers", a.getTransfers())
		r.Post("/transfers", a.postTransfer())
		r.Get("/transfers/{tid}", a.getTransfer())
	})

	handlers.CustomLoggingHandler(log.WithField("_module", "api").Writer(), r, httputil.WriteLog).ServeHTTP(w, req)
}

func (a *API) getSummary() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSON(w, r, http.StatusOK, a.node.Summary())
	}
}

func (a *API) getNeighbors() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSON(w, r, http.StatusOK, a.node.Neighbors())
	}
}

func (a *API) getRoutes() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		routes, err := a.node.Routes()
		if err != nil {
			httputil.WriteJSON(w, r, http.StatusInternalServerError, err)
			return
		}
		httputil.WriteJSON(w, r, http.StatusOK, routes)
	}
}

func (a *API) postFlood() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := a.node.StartFlood()
		httputil.WriteJSON(w, r, http.StatusOK, map[string]uint64{"flood_id": id})
	}
}

func (a *API) getTransfers() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSON(w, r, http.StatusOK, a.node.Transfers())
	}
}

// postTransfer starts a message transmission. The payload travels as a JSON
// string, an explicit route takes precedence over the stored ones.
func (a *API) postTransfer() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var reqBody struct {
			Destination packet.NodeID   `json:"destination"`
			Hops        []packet.NodeID `json:"hops,omitempty"`
			Payload     string          `json:"payload"`
		}
		if err := httputil.ReadJSON(r, &reqBody); err != nil {
			httputil.WriteJSON(w, r, http.StatusBadRequest, err)
			return
		}

		var (
			id  uuid.UUID
			err error
		)
		if len(reqBody.Hops) > 0 {
			id, err = a.node.SendMessageVia(reqBody.Hops, []byte(reqBody.Payload))
		} else {
			id, err = a.node.SendMessage(reqBody.Destination, []byte(reqBody.Payload))
		}
		if err != nil {
			httputil.WriteJSON(w, r, http.StatusBadRequest, err)
			return
		}
		httputil.WriteJSON(w, r, http.StatusOK, map[string]string{"id": id.String()})
	}
}

func (a *API) getTransfer() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "tid"))
		if err != nil {
			httputil.WriteJSON(w, r, http.StatusBadRequest, err)
			return
		}
		for _, transfer := range a.node.Transfers() {
			if transfer.ID == id {
				httputil.WriteJSON(w, r, http.StatusOK, transfer)
				return
			}
		}
		httputil.WriteJSON(w, r, http.StatusNotFound, map[string]string{"error": "transfer not found"})
	}
}
