package httpproto

import (
	"encoding/json"
	"net/http"

	"github.com/validana-io/vserver/pkg/protocol"
)

// writeResponse shapes the reply: on success write the handler's return
// value; on failure, classify the error and respond accordingly without
// ever leaking internal details.
func (h *Handler) writeResponse(w http.ResponseWriter, msg *protocol.Message, result any, err error) {
	if err != nil {
		h.writeError(w, msg, err)
		return
	}

	status := http.StatusOK
	if msg.Status != 0 {
		status = msg.Status
	}
	h.recordOutcome("success")

	if msg.Headers != nil {
		for k, v := range msg.Headers {
			w.Header().Set(k, v)
		}
		w.WriteHeader(status)
		if s, ok := result.(string); ok {
			_, _ = w.Write([]byte(s))
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(result)
}

func (h *Handler) writeError(w http.ResponseWriter, msg *protocol.Message, err error) {
	var clientErr *protocol.ClientError
	var businessErr *protocol.BusinessRejectError
	var unknownErr *protocol.UnknownVerbError
	var internalErr *protocol.InternalError

	switch {
	case asClientError(err, &clientErr):
		status := clientErr.Status
		if status == 0 {
			status = http.StatusBadRequest
		}
		h.recordOutcome("clientError")
		http.Error(w, clientErr.Message, status)
	case asBusinessReject(err, &businessErr):
		h.recordOutcome("clientError")
		http.Error(w, businessErr.Message, http.StatusUnprocessableEntity)
	case asUnknownVerb(err, &unknownErr):
		h.recordOutcome("clientError")
		http.Error(w, unknownErr.Error(), http.StatusBadRequest)
	case asInternalError(err, &internalErr):
		h.recordOutcome("serverError")
		h.log().Error("request handler failed", "verb", msg.Verb, "version", msg.Version, "error", internalErr.Cause)
		http.Error(w, internalErr.ClientMessage(), http.StatusInternalServerError)
	default:
		// An error that isn't one of the well-known classes is treated
		// as internal: handlers may return a plain error rather than
		// wrapping it themselves.
		h.recordOutcome("serverError")
		h.log().Error("request handler failed", "verb", msg.Verb, "version", msg.Version, "error", err)
		http.Error(w, "Error occurred during request.", http.StatusInternalServerError)
	}
}

func (h *Handler) recordOutcome(class string) {
	if h.Metrics != nil {
		h.Metrics.RecordOutcome(class)
	}
}

func asClientError(err error, target **protocol.ClientError) bool {
	ce, ok := err.(*protocol.ClientError)
	if ok {
		*target = ce
	}
	return ok
}

func asBusinessReject(err error, target **protocol.BusinessRejectError) bool {
	be, ok := err.(*protocol.BusinessRejectError)
	if ok {
		*target = be
	}
	return ok
}

func asUnknownVerb(err error, target **protocol.UnknownVerbError) bool {
	ue, ok := err.(*protocol.UnknownVerbError)
	if ok {
		*target = ue
	}
	return ok
}

func asInternalError(err error, target **protocol.InternalError) bool {
	ie, ok := err.(*protocol.InternalError)
	if ok {
		*target = ie
	}
	return ok
}
