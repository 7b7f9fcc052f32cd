package application

import (
	"compress/flate"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/rs/cors"

	"github.com/iot-for-tillgenglighet/ngsi-ld-golang/pkg/datamodels/fiware"
	ngsi "github.com/iot-for-tillgenglighet/ngsi-ld-golang/pkg/ngsi-ld"

	"github.com/iot-for-tillgenglighet/opcua-gateway/internal/pkg/domain/valuecodec"
	"github.com/iot-for-tillgenglighet/opcua-gateway/internal/pkg/infrastructure/logging"
	"github.com/iot-for-tillgenglighet/opcua-gateway/internal/pkg/infrastructure/metrics"
)

type RequestRouter struct {
	impl *chi.Mux
}

func (router *RequestRouter) addNGSIHandlers(contextRegistry ngsi.ContextRegistry) {
	router.Get("/ngsi-ld/v1/entities", ngsi.NewQueryEntitiesHandler(contextRegistry))
	router.Patch("/ngsi-ld/v1/entities/{entity}/attrs/", ngsi.NewUpdateEntityAttributesHandler(contextRegistry))
}

func (router *RequestRouter) addOPCUAHandlers(api *gatewayAPI) {
	router.impl.Route("/api/opcua", func(r chi.Router) {
		r.Post("/connect", api.connect)
		r.Post("/disconnect", api.disconnect)
		r.Get("/status", api.status)
		r.Get("/settings", api.settings)

		r.Post("/read", api.read)
		r.Post("/write", api.write)
		r.Post("/browse", api.browse)
		r.Post("/search", api.search)

		r.Post("/register", api.register)
		r.Post("/unregister", api.unregister)
		r.Post("/read-registered", api.readRegistered)
		r.Post("/write-registered", api.writeRegistered)
		r.Get("/registered-nodes", api.registeredNodes)

		r.Post("/subscribe", api.subscribe)
		r.Post("/subscribe-registered", api.subscribeRegistered)
		r.Post("/unsubscribe", api.unsubscribe)
		r.Get("/subscription-value/{id}", api.subscriptionValue)
		r.Get("/active-subscriptions", api.activeSubscriptions)

		r.Route("/recordings", func(r chi.Router) {
			r.Get("/", api.listRecordings)
			r.Get("/summary", api.recordingSummary)
			r.Post("/start", api.startRecording)
			r.Post("/cleanup", api.cleanupRecordings)
			r.Post("/{id}/stop", api.stopRecording)
			r.Patch("/{id}", api.renameRecording)
			r.Delete("/{id}", api.deleteRecording)
			r.Get("/{id}/values", api.recordingValues)
			r.Get("/{id}/export", api.exportRecording)
		})
	})

	router.impl.Handle("/metrics", metrics.Handler())
}

//Get accepts a pattern that should be routed to the handlerFn on a GET request
func (router *RequestRouter) Get(pattern string, handlerFn http.HandlerFunc) {
	router.impl.Get(pattern, handlerFn)
}

//Patch accepts a pattern that should be routed to the handlerFn on a PATCH request
func (router *RequestRouter) Patch(pattern string, handlerFn http.HandlerFunc) {
	router.impl.Patch(pattern, handlerFn)
}

//Post accepts a pattern that should be routed to the handlerFn on a POST request
func (router *RequestRouter) Post(pattern string, handlerFn http.HandlerFunc) {
	router.impl.Post(pattern, handlerFn)
}

//ServeHTTP lets the router be used as an http.Handler
func (router *RequestRouter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	router.impl.ServeHTTP(w, r)
}

func newRequestRouter() *RequestRouter {
	router := &RequestRouter{impl: chi.NewRouter()}

	router.impl.Use(cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete},
		AllowedHeaders:   []string{"Content-Type", "X-User-ID"},
		AllowCredentials: true,
		Debug:            false,
	}).Handler)

	// Enable gzip compression for json and ngsi-ld responses
	compressor := middleware.NewCompressor(flate.DefaultCompression, "application/json", "application/ld+json")
	router.impl.Use(compressor.Handler)
	router.impl.Use(middleware.Logger)

	return router
}

//CreateRequestRouter builds the router serving the REST, NGSI-LD and metrics endpoints
func CreateRequestRouter(gw *GatewayState, log logging.Logger) *RequestRouter {
	router := newRequestRouter()

	router.addOPCUAHandlers(&gatewayAPI{gw: gw, log: log.WithComponent(logging.ComponentAPI)})
	router.addNGSIHandlers(createContextRegistry(log, gw))

	return router
}

//CreateRouterAndStartServing sets up the router and starts serving incoming requests
func CreateRouterAndStartServing(gw *GatewayState, log logging.Logger, port string) error {
	router := CreateRequestRouter(gw, log)

	log.Infof("Starting opcua-gateway on port %s.\n", port)
	return http.ListenAndServe(":"+port, router.impl)
}

func createContextRegistry(log logging.Logger, gw *GatewayState) ngsi.ContextRegistry {
	contextRegistry := ngsi.NewContextRegistry()
	ctxSource := contextSource{gw: gw, log: log}
	contextRegistry.Register(&ctxSource)
	return contextRegistry
}

//contextSource projects every active subscription as a Device entity
type contextSource struct {
	gw  *GatewayState
	log logging.Logger
}

func (cs contextSource) ProvidesEntitiesWithMatchingID(entityID string) bool {
	return strings.HasPrefix(entityID, fiware.DeviceIDPrefix)
}

func (cs *contextSource) CreateEntity(typeName, entityID string, req ngsi.Request) error {
	errorMessage := fmt.Sprintf("entities of type %s can not be created, subscribe to a node instead", typeName)
	cs.log.Errorf("%s", errorMessage)
	return errors.New(errorMessage)
}

func (cs *contextSource) GetEntities(query ngsi.Query, callback ngsi.QueryEntitiesCallback) error {
	if query == nil {
		return errors.New("GetEntities: query may not be nil")
	}

	for _, typeName := range query.EntityTypes() {
		if typeName != "Device" {
			continue
		}

		for _, sub := range cs.gw.Engine.ListActive() {
			value := ""
			if sub.LastValue != nil {
				value = sub.LastValue.DisplayValue
			}

			if err := callback(fiware.NewDevice(fiware.DeviceIDPrefix+sub.ID, value)); err != nil {
				return err
			}
		}
	}

	return nil
}

func (cs *contextSource) RetrieveEntity(entityID string, req ngsi.Request) (ngsi.Entity, error) {
	id := strings.TrimPrefix(entityID, fiware.DeviceIDPrefix)

	cached, err := cs.gw.Engine.LatestValue(id)
	if err != nil {
		if _, ok := cs.gw.Engine.Get(id); !ok {
			return nil, err
		}
	}

	return fiware.NewDevice(entityID, cached.DisplayValue), nil
}

func (cs contextSource) ProvidesAttribute(attributeName string) bool {
	return attributeName == "value"
}

func (cs contextSource) ProvidesType(typeName string) bool {
	return typeName == "Device"
}

func (cs *contextSource) UpdateEntityAttributes(entityID string, req ngsi.Request) error {
	updateSource := &fiware.Device{}
	err := req.DecodeBodyInto(updateSource)
	if err != nil {
		cs.log.Errorf("Failed to decode PATCH body in UpdateEntityAttributes: %s", err.Error())
		return err
	}

	if updateSource.Value == nil {
		return errors.New("only the value attribute can be patched")
	}

	id := strings.TrimPrefix(entityID, fiware.DeviceIDPrefix)

	sub, ok := cs.gw.Engine.Get(id)
	if !ok {
		return fmt.Errorf("no active subscription %s", id)
	}

	dataType := valuecodec.Double
	if cached, err := cs.gw.Engine.LatestValue(id); err == nil && cached.DataType != valuecodec.Unknown {
		dataType = cached.DataType
	}

	value, err := valuecodec.Prepare(updateSource.Value.Value, dataType)
	if err != nil {
		return err
	}

	return cs.gw.Session.Write(context.Background(), sub.Handle, value)
}
