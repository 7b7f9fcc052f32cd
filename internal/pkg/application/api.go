package application

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi"
	"github.com/goccy/go-json"

	"github.com/iot-for-tillgenglighet/opcua-gateway/internal/pkg/domain/apierr"
	"github.com/iot-for-tillgenglighet/opcua-gateway/internal/pkg/domain/recording"
	"github.com/iot-for-tillgenglighet/opcua-gateway/internal/pkg/domain/session"
	"github.com/iot-for-tillgenglighet/opcua-gateway/internal/pkg/domain/valuecodec"
	"github.com/iot-for-tillgenglighet/opcua-gateway/internal/pkg/infrastructure/logging"
)

const (
	rootFolderNodeID    = "i=84"
	objectsFolderNodeID = "i=85"
	defaultInterval     = 1000
)

var wellKnownNodes = map[string]string{
	"rootfolder":    rootFolderNodeID,
	"root":          rootFolderNodeID,
	"objectsfolder": objectsFolderNodeID,
	"objects":       objectsFolderNodeID,
}

type payload map[string]interface{}

type gatewayAPI struct {
	gw  *GatewayState
	log logging.Logger
}

type nodeRequest struct {
	NodeID       string      `json:"nodeId"`
	RegisteredID string      `json:"registeredId"`
	Value        interface{} `json:"value"`
	DataType     string      `json:"dataType"`
	Interval     int         `json:"interval"`
}

type searchRequest struct {
	SearchTerm string `json:"searchTerm"`
	NodeID     string `json:"nodeId"`
	MaxDepth   int    `json:"maxDepth"`
}

type recordingRequest struct {
	SubscriptionID string `json:"subscriptionId"`
	Name           string `json:"name"`
	DaysToKeep     int    `json:"daysToKeep"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	b, err := json.Marshal(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(b)
}

func (api *gatewayAPI) respond(w http.ResponseWriter, p payload) {
	if p == nil {
		p = payload{}
	}
	p["success"] = true
	writeJSON(w, http.StatusOK, p)
}

func (api *gatewayAPI) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)

	category := apierr.CategoryOf(err)
	if category == "" {
		category = apierr.Classify(err)
	}

	if status >= http.StatusInternalServerError {
		api.log.Errorf("%s %s failed: %s", r.Method, r.URL.Path, err.Error())
	} else {
		api.log.Debugf("%s %s rejected: %s", r.Method, r.URL.Path, err.Error())
	}

	writeJSON(w, status, payload{"success": false, "error": err.Error(), "category": category})
}

func statusFor(err error) int {
	switch apierr.CategoryOf(err) {
	case apierr.Config, apierr.Validation, apierr.DecimalSeparator, apierr.Encode:
		return http.StatusBadRequest
	case apierr.NotFound:
		return http.StatusNotFound
	case apierr.AlreadySubscribed:
		return http.StatusConflict
	case apierr.NotConnected, apierr.SessionLost, apierr.Unavailable:
		return http.StatusServiceUnavailable
	case apierr.Timeout, apierr.ConnectTimeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func decodeBody(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return nil
	}

	err := json.NewDecoder(r.Body).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		return apierr.Wrap(apierr.Validation, err, "invalid request body")
	}

	return nil
}

func resolveNodeID(nodeID, fallback string) string {
	nodeID = strings.TrimSpace(nodeID)
	if nodeID == "" {
		return fallback
	}
	if known, ok := wellKnownNodes[strings.ToLower(nodeID)]; ok {
		return known
	}
	return nodeID
}

func required(value, name string) error {
	if strings.TrimSpace(value) == "" {
		return apierr.New(apierr.Validation, "%s is required", name)
	}
	return nil
}

//valueText turns a json value into the string form the value codec expects
func valueText(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case json.Number:
		return val.String()
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func (api *gatewayAPI) userID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-User-ID")); id != "" {
		return id
	}
	return api.gw.DefaultUserID()
}

func recordID(r *http.Request) (uint, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, apierr.New(apierr.Validation, "invalid recording id %q", raw)
	}
	return uint(id), nil
}

func readingPayload(reading session.Reading) payload {
	timestamp := reading.SourceTimestamp
	if timestamp.IsZero() {
		timestamp = reading.ServerTimestamp
	}

	return payload{
		"value":           reading.Value,
		"displayValue":    valuecodec.Decode(reading.Value, reading.DataType),
		"dataType":        reading.DataType,
		"quality":         reading.Quality,
		"timestamp":       timestamp,
		"sourceTimestamp": reading.SourceTimestamp,
		"serverTimestamp": reading.ServerTimestamp,
	}
}

func (api *gatewayAPI) connect(w http.ResponseWriter, r *http.Request) {
	cfg := session.Config{}
	if err := decodeBody(r, &cfg); err != nil {
		api.fail(w, r, err)
		return
	}

	info, err := api.gw.Session.Connect(r.Context(), cfg)
	if err != nil {
		api.fail(w, r, err)
		return
	}

	api.respond(w, payload{
		"endpoint":   info.Endpoint,
		"message":    "Connected to " + info.Endpoint,
		"connection": info,
	})
}

func (api *gatewayAPI) disconnect(w http.ResponseWriter, r *http.Request) {
	if err := api.gw.Session.Disconnect(r.Context()); err != nil {
		api.fail(w, r, err)
		return
	}

	api.respond(w, payload{"message": "Disconnected from PLC"})
}

func (api *gatewayAPI) status(w http.ResponseWriter, r *http.Request) {
	status := api.gw.Session.Status()
	api.respond(w, payload{"connected": status.IsConnected, "endpoint": status.Endpoint})
}

func (api *gatewayAPI) settings(w http.ResponseWriter, r *http.Request) {
	cfg, found, err := api.gw.Session.LastConfig()
	if err != nil {
		api.fail(w, r, apierr.Wrap(apierr.Store, err, "failed to load saved settings"))
		return
	}

	if !found {
		cfg = api.gw.Session.Defaults()
	}

	api.respond(w, payload{"settings": cfg.Redacted(), "saved": found})
}

func (api *gatewayAPI) read(w http.ResponseWriter, r *http.Request) {
	req := nodeRequest{}
	if err := decodeBody(r, &req); err != nil {
		api.fail(w, r, err)
		return
	}

	if err := required(req.NodeID, "nodeId"); err != nil {
		api.fail(w, r, err)
		return
	}

	reading, err := api.gw.Session.Read(r.Context(), req.NodeID)
	if err != nil {
		api.fail(w, r, err)
		return
	}

	api.respond(w, readingPayload(reading))
}

func (api *gatewayAPI) writeValue(w http.ResponseWriter, r *http.Request, nodeID string, req nodeRequest) {
	dataType := valuecodec.Double
	if req.DataType != "" {
		dataType = valuecodec.ParseDataType(req.DataType)
	}

	value, err := valuecodec.Prepare(valueText(req.Value), dataType)
	if err != nil {
		api.fail(w, r, err)
		return
	}

	if err := api.gw.Session.Write(r.Context(), nodeID, value); err != nil {
		api.fail(w, r, err)
		return
	}

	api.respond(w, payload{
		"message":    "Value written to " + nodeID,
		"statusCode": "Good",
	})
}

func (api *gatewayAPI) write(w http.ResponseWriter, r *http.Request) {
	req := nodeRequest{}
	if err := decodeBody(r, &req); err != nil {
		api.fail(w, r, err)
		return
	}

	if err := required(req.NodeID, "nodeId"); err != nil {
		api.fail(w, r, err)
		return
	}

	api.writeValue(w, r, req.NodeID, req)
}

func (api *gatewayAPI) browse(w http.ResponseWriter, r *http.Request) {
	req := nodeRequest{}
	if err := decodeBody(r, &req); err != nil {
		api.fail(w, r, err)
		return
	}

	nodes, err := api.gw.Session.Browse(r.Context(), resolveNodeID(req.NodeID, rootFolderNodeID))
	if err != nil {
		api.fail(w, r, err)
		return
	}

	api.respond(w, payload{"nodes": nodes})
}

func (api *gatewayAPI) search(w http.ResponseWriter, r *http.Request) {
	req := searchRequest{}
	if err := decodeBody(r, &req); err != nil {
		api.fail(w, r, err)
		return
	}

	if !api.gw.Session.IsConnected() {
		api.fail(w, r, apierr.New(apierr.NotConnected, "Not connected to PLC"))
		return
	}

	root := resolveNodeID(req.NodeID, objectsFolderNodeID)
	results, err := searchNodes(r.Context(), api.gw.browseCache, root, req.SearchTerm, req.MaxDepth)
	if err != nil {
		api.fail(w, r, err)
		return
	}

	api.respond(w, payload{"results": results})
}

func (api *gatewayAPI) register(w http.ResponseWriter, r *http.Request) {
	req := nodeRequest{}
	if err := decodeBody(r, &req); err != nil {
		api.fail(w, r, err)
		return
	}

	node, err := api.gw.Registry.Register(r.Context(), req.NodeID)
	if err != nil {
		api.fail(w, r, err)
		return
	}

	api.respond(w, payload{
		"registeredId": node.Handle,
		"nodeId":       node.NodeID,
		"message":      "Node " + node.NodeID + " registered",
	})
}

func (api *gatewayAPI) unregister(w http.ResponseWriter, r *http.Request) {
	req := nodeRequest{}
	if err := decodeBody(r, &req); err != nil {
		api.fail(w, r, err)
		return
	}

	if err := required(req.RegisteredID, "registeredId"); err != nil {
		api.fail(w, r, err)
		return
	}

	summary, err := api.gw.Registry.Unregister(r.Context(), req.RegisteredID)
	if err != nil {
		api.fail(w, r, err)
		return
	}

	api.respond(w, payload{
		"message":                 "Node " + req.RegisteredID + " unregistered",
		"terminatedSubscriptions": summary.TerminatedSubscriptionCount,
	})
}

func (api *gatewayAPI) lookup(registeredID string) (string, error) {
	if err := required(registeredID, "registeredId"); err != nil {
		return "", err
	}

	node, ok := api.gw.Registry.Lookup(registeredID)
	if !ok {
		return "", apierr.New(apierr.NotFound, "registered node %s not found", registeredID)
	}

	return node.Handle, nil
}

func (api *gatewayAPI) readRegistered(w http.ResponseWriter, r *http.Request) {
	req := nodeRequest{}
	if err := decodeBody(r, &req); err != nil {
		api.fail(w, r, err)
		return
	}

	handle, err := api.lookup(req.RegisteredID)
	if err != nil {
		api.fail(w, r, err)
		return
	}

	reading, err := api.gw.Session.Read(r.Context(), handle)
	if err != nil {
		api.fail(w, r, err)
		return
	}

	api.respond(w, readingPayload(reading))
}

func (api *gatewayAPI) writeRegistered(w http.ResponseWriter, r *http.Request) {
	req := nodeRequest{}
	if err := decodeBody(r, &req); err != nil {
		api.fail(w, r, err)
		return
	}

	handle, err := api.lookup(req.RegisteredID)
	if err != nil {
		api.fail(w, r, err)
		return
	}

	api.writeValue(w, r, handle, req)
}

func (api *gatewayAPI) registeredNodes(w http.ResponseWriter, r *http.Request) {
	api.respond(w, payload{"nodes": api.gw.Registry.List()})
}

func interval(req nodeRequest) int {
	if req.Interval == 0 {
		return defaultInterval
	}
	return req.Interval
}

func (api *gatewayAPI) subscribe(w http.ResponseWriter, r *http.Request) {
	req := nodeRequest{}
	if err := decodeBody(r, &req); err != nil {
		api.fail(w, r, err)
		return
	}

	if err := required(req.NodeID, "nodeId"); err != nil {
		api.fail(w, r, err)
		return
	}

	sub, err := api.gw.Engine.SubscribeNode(req.NodeID, interval(req))
	if err != nil {
		api.fail(w, r, err)
		return
	}

	api.respond(w, payload{
		"subscriptionId": sub.ID,
		"message":        "Subscribed to " + sub.NodeID,
		"subscription":   sub,
	})
}

func (api *gatewayAPI) subscribeRegistered(w http.ResponseWriter, r *http.Request) {
	req := nodeRequest{}
	if err := decodeBody(r, &req); err != nil {
		api.fail(w, r, err)
		return
	}

	if err := required(req.RegisteredID, "registeredId"); err != nil {
		api.fail(w, r, err)
		return
	}

	sub, err := api.gw.Engine.Subscribe(req.RegisteredID, interval(req))
	if err != nil {
		api.fail(w, r, err)
		return
	}

	api.respond(w, payload{
		"subscriptionId": sub.ID,
		"message":        "Subscribed to " + sub.NodeID,
		"subscription":   sub,
	})
}

func (api *gatewayAPI) unsubscribe(w http.ResponseWriter, r *http.Request) {
	req := struct {
		SubscriptionID string `json:"subscriptionId"`
	}{}
	if err := decodeBody(r, &req); err != nil {
		api.fail(w, r, err)
		return
	}

	if err := required(req.SubscriptionID, "subscriptionId"); err != nil {
		api.fail(w, r, err)
		return
	}

	api.gw.Engine.Unsubscribe(req.SubscriptionID)
	api.respond(w, payload{"message": "Unsubscribed " + req.SubscriptionID})
}

func (api *gatewayAPI) subscriptionValue(w http.ResponseWriter, r *http.Request) {
	cached, err := api.gw.Engine.LatestValue(chi.URLParam(r, "id"))
	if err != nil {
		api.fail(w, r, err)
		return
	}

	api.respond(w, payload{
		"value":           cached.Value,
		"displayValue":    cached.DisplayValue,
		"dataType":        cached.DataType,
		"quality":         cached.Quality,
		"sourceTimestamp": cached.SourceTimestamp,
		"serverTimestamp": cached.ServerTimestamp,
		"updatedAt":       cached.UpdatedAt,
	})
}

func (api *gatewayAPI) activeSubscriptions(w http.ResponseWriter, r *http.Request) {
	api.respond(w, payload{"subscriptions": api.gw.Engine.ListActive()})
}

func (api *gatewayAPI) startRecording(w http.ResponseWriter, r *http.Request) {
	req := recordingRequest{}
	if err := decodeBody(r, &req); err != nil {
		api.fail(w, r, err)
		return
	}

	if err := required(req.SubscriptionID, "subscriptionId"); err != nil {
		api.fail(w, r, err)
		return
	}

	rec, err := api.gw.Recorder.StartRecording(recording.StartRequest{
		UserID:         api.userID(r),
		SubscriptionID: req.SubscriptionID,
		Name:           req.Name,
	})
	if err != nil {
		api.fail(w, r, err)
		return
	}

	api.respond(w, payload{"recording": rec, "message": "Recording started"})
}

func (api *gatewayAPI) stopRecording(w http.ResponseWriter, r *http.Request) {
	id, err := recordID(r)
	if err != nil {
		api.fail(w, r, err)
		return
	}

	result, err := api.gw.Recorder.StopRecording(api.userID(r), id)
	if err != nil {
		api.fail(w, r, err)
		return
	}

	api.respond(w, payload{"totalValues": result.TotalValues, "message": "Recording stopped"})
}

func (api *gatewayAPI) deleteRecording(w http.ResponseWriter, r *http.Request) {
	id, err := recordID(r)
	if err != nil {
		api.fail(w, r, err)
		return
	}

	deleted, err := api.gw.Recorder.DeleteRecording(api.userID(r), id)
	if err != nil {
		api.fail(w, r, err)
		return
	}

	api.respond(w, payload{"deletedValues": deleted, "message": "Recording deleted"})
}

func (api *gatewayAPI) renameRecording(w http.ResponseWriter, r *http.Request) {
	id, err := recordID(r)
	if err != nil {
		api.fail(w, r, err)
		return
	}

	req := recordingRequest{}
	if err := decodeBody(r, &req); err != nil {
		api.fail(w, r, err)
		return
	}

	if err := api.gw.Recorder.Rename(api.userID(r), id, req.Name); err != nil {
		api.fail(w, r, err)
		return
	}

	api.respond(w, payload{"message": "Recording renamed"})
}

func (api *gatewayAPI) listRecordings(w http.ResponseWriter, r *http.Request) {
	records, err := api.gw.Recorder.Records(api.userID(r))
	if err != nil {
		api.fail(w, r, err)
		return
	}

	api.respond(w, payload{"recordings": records})
}

func (api *gatewayAPI) recordingSummary(w http.ResponseWriter, r *http.Request) {
	summaries, err := api.gw.Recorder.Summary(api.userID(r))
	if err != nil {
		api.fail(w, r, err)
		return
	}

	api.respond(w, payload{"summaries": summaries})
}

func parseValueQuery(r *http.Request) (recording.ValueQuery, error) {
	q := recording.ValueQuery{}
	params := r.URL.Query()

	ints := map[string]*int{"limit": &q.Limit, "offset": &q.Offset}
	for name, target := range ints {
		if raw := params.Get(name); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil {
				return q, apierr.New(apierr.Validation, "%s must be a whole number, got %q", name, raw)
			}
			*target = n
		}
	}

	times := map[string]**time.Time{"from": &q.From, "to": &q.To}
	for name, target := range times {
		if raw := params.Get(name); raw != "" {
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				return q, apierr.New(apierr.Validation, "%s must be an RFC 3339 timestamp, got %q", name, raw)
			}
			*target = &t
		}
	}

	q.Ascending = strings.EqualFold(params.Get("order"), "asc")

	return q, nil
}

func (api *gatewayAPI) recordingValues(w http.ResponseWriter, r *http.Request) {
	id, err := recordID(r)
	if err != nil {
		api.fail(w, r, err)
		return
	}

	q, err := parseValueQuery(r)
	if err != nil {
		api.fail(w, r, err)
		return
	}

	values, err := api.gw.Recorder.Values(api.userID(r), id, q)
	if err != nil {
		api.fail(w, r, err)
		return
	}

	api.respond(w, payload{"values": values, "count": len(values)})
}

func (api *gatewayAPI) exportRecording(w http.ResponseWriter, r *http.Request) {
	id, err := recordID(r)
	if err != nil {
		api.fail(w, r, err)
		return
	}

	values, err := api.gw.Recorder.Export(api.userID(r), id)
	if err != nil {
		api.fail(w, r, err)
		return
	}

	api.respond(w, payload{"values": values, "count": len(values)})
}

func (api *gatewayAPI) cleanupRecordings(w http.ResponseWriter, r *http.Request) {
	req := recordingRequest{}
	if err := decodeBody(r, &req); err != nil {
		api.fail(w, r, err)
		return
	}

	days := req.DaysToKeep
	if days == 0 {
		days = api.gw.cfg.Recording.RetentionDays
	}

	deleted, err := api.gw.Recorder.Cleanup(api.userID(r), days)
	if err != nil {
		api.fail(w, r, err)
		return
	}

	api.respond(w, payload{"deletedValues": deleted})
}
