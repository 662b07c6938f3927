package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/InsulaLabs/quire/models"
	"github.com/gorilla/mux"
	"github.com/oklog/ulid/v2"
)

const maxIngressBody = 4 * 1024 * 1024

var (
	ErrMalformedBody = errors.New("request body could not be parsed")
	ErrEventRequired = errors.New("event name is required")
	ErrNoChannels    = errors.New("at least one channel is required")
	ErrQueueFull     = errors.New("ingress queue is full")
)

type publishJob struct {
	id  ulid.ULID
	req models.PublishRequest
}

// Ingress accepts publish requests from processes that hold no socket to the
// relay. Requests are acknowledged once queued; a single dispatcher drains
// the queue so events from one publisher keep their order on every channel.
type Ingress struct {
	logger   *slog.Logger
	registry *Registry
	queue    chan publishJob
	appID    string
}

func NewIngress(logger *slog.Logger, registry *Registry, queueSize int, appID string) *Ingress {
	return &Ingress{
		logger:   logger.WithGroup("ingress"),
		registry: registry,
		queue:    make(chan publishJob, queueSize),
		appID:    appID,
	}
}

// Start runs the dispatcher until ctx is done.
func (in *Ingress) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case job := <-in.queue:
				in.dispatch(job)
			case <-ctx.Done():
				in.logger.Info("Ingress dispatcher stopped", "pending", len(in.queue))
				return
			}
		}
	}()
}

// Submit queues req for fan-out without waiting for delivery.
func (in *Ingress) Submit(req models.PublishRequest) (ulid.ULID, error) {
	job := publishJob{id: ulid.Make(), req: req}
	select {
	case in.queue <- job:
		return job.id, nil
	default:
		return job.id, ErrQueueFull
	}
}

func (in *Ingress) dispatch(job publishJob) {
	var exclude Subscriber
	if job.req.SocketID != "" {
		if sub, ok := in.registry.Lookup(job.req.SocketID); ok {
			exclude = sub
		}
	}

	for _, frame := range job.req.Frames() {
		msg, err := json.Marshal(frame)
		if err != nil {
			in.logger.Error("Could not encode outbound frame", "request_id", job.id.String(), "channel", frame.Channel, "error", err)
			continue
		}
		delivered := in.registry.Publish(frame.Channel, msg, exclude)
		in.logger.Debug("Dispatched event", "request_id", job.id.String(), "event", frame.Event, "channel", frame.Channel, "delivered", delivered)
	}
}

func (in *Ingress) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if app, ok := mux.Vars(r)["app"]; ok && in.appID != "" && app != in.appID {
		in.logger.Warn("Publish for unknown app", "app", app)
		http.Error(w, "Unknown app", http.StatusNotFound)
		return
	}

	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxIngressBody))
	if err != nil {
		in.logger.Error("Could not read body for publish request", "error", err)
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	req, err := ParsePublishRequest(r.Header.Get("Content-Type"), body)
	if err != nil {
		in.logger.Warn("Rejected publish request", "error", err, "content_type", r.Header.Get("Content-Type"))
		http.Error(w, "Invalid publish request: "+err.Error(), http.StatusBadRequest)
		return
	}

	id, err := in.Submit(req)
	if err != nil {
		in.logger.Warn("Rejected publish request", "request_id", id.String(), "error", err)
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}
	in.logger.Debug("Publish accepted", "request_id", id.String(), "event", req.Name, "channels", req.Channels)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// ParsePublishRequest normalizes a JSON or form-encoded publish body.
func ParsePublishRequest(contentType string, body []byte) (models.PublishRequest, error) {
	mediaType, params, _ := mime.ParseMediaType(contentType)

	var (
		req models.PublishRequest
		err error
	)
	switch mediaType {
	case "application/x-www-form-urlencoded":
		req, err = parseFormValues(string(body))
	case "multipart/form-data":
		req, err = parseMultipart(body, params["boundary"])
	default:
		req, err = parseJSONBody(body)
		if err != nil {
			// Some publishers send query-string bodies without a content type.
			req, err = parseFormValues(string(body))
		}
	}
	if err != nil {
		return models.PublishRequest{}, err
	}

	if req.Name == "" {
		return models.PublishRequest{}, ErrEventRequired
	}
	if len(req.Channels) == 0 {
		return models.PublishRequest{}, ErrNoChannels
	}
	return req, nil
}

func parseJSONBody(body []byte) (models.PublishRequest, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return models.PublishRequest{}, fmt.Errorf("%w: %v", ErrMalformedBody, err)
	}

	var req models.PublishRequest
	req.Name = jsonString(firstField(fields, "name", "event"))
	req.Channels = NormalizeChannels(firstField(fields, "channels", "channel"))
	req.SocketID = jsonString(fields["socket_id"])

	if data := firstField(fields, "data", "payload"); data != nil {
		req.Data = models.UnwrapJSON(data)
	} else {
		req.Data = json.RawMessage(body)
	}
	return req, nil
}

func parseFormValues(body string) (models.PublishRequest, error) {
	values, err := url.ParseQuery(body)
	if err != nil {
		return models.PublishRequest{}, fmt.Errorf("%w: %v", ErrMalformedBody, err)
	}
	return requestFromValues(values)
}

func parseMultipart(body []byte, boundary string) (models.PublishRequest, error) {
	if boundary == "" {
		return models.PublishRequest{}, fmt.Errorf("%w: multipart body without boundary", ErrMalformedBody)
	}
	req, err := http.NewRequest(http.MethodPost, "/", strings.NewReader(string(body)))
	if err != nil {
		return models.PublishRequest{}, err
	}
	req.Header.Set("Content-Type", "multipart/form-data; boundary="+boundary)
	if err := req.ParseMultipartForm(maxIngressBody); err != nil {
		return models.PublishRequest{}, fmt.Errorf("%w: %v", ErrMalformedBody, err)
	}
	return requestFromValues(req.MultipartForm.Value)
}

func requestFromValues(values url.Values) (models.PublishRequest, error) {
	get := func(keys ...string) string {
		for _, k := range keys {
			if v := values.Get(k); v != "" {
				return v
			}
		}
		return ""
	}

	req := models.PublishRequest{
		Name:     get("name", "event"),
		Channels: normalizeChannelString(get("channels", "channel")),
		SocketID: get("socket_id"),
	}
	if req.Name == "" && len(req.Channels) == 0 {
		return models.PublishRequest{}, ErrMalformedBody
	}

	data := get("data", "payload")
	switch {
	case data == "":
		req.Data = json.RawMessage("null")
	case json.Valid([]byte(data)):
		req.Data = models.UnwrapJSON(json.RawMessage(data))
	default:
		encoded, err := json.Marshal(data)
		if err != nil {
			return models.PublishRequest{}, err
		}
		req.Data = encoded
	}
	return req, nil
}

// NormalizeChannels accepts a JSON array, a single name, or a comma separated
// list (possibly itself holding a JSON array) and returns the distinct names
// in order.
func NormalizeChannels(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return dedupeChannels(list)
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return normalizeChannelString(single)
	}
	return nil
}

func normalizeChannelString(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	var list []string
	if err := json.Unmarshal([]byte(s), &list); err == nil {
		return dedupeChannels(list)
	}
	return dedupeChannels(strings.Split(s, ","))
}

func dedupeChannels(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, ch := range in {
		ch = strings.TrimSpace(ch)
		if ch == "" {
			continue
		}
		if _, ok := seen[ch]; ok {
			continue
		}
		seen[ch] = struct{}{}
		out = append(out, ch)
	}
	return out
}

func firstField(fields map[string]json.RawMessage, keys ...string) json.RawMessage {
	for _, k := range keys {
		if v, ok := fields[k]; ok && string(v) != "null" {
			return v
		}
	}
	return nil
}

func jsonString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}
