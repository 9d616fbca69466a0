package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/Tonycreatyv/dentalconnect-engine/internal/core"
	"github.com/Tonycreatyv/dentalconnect-engine/internal/metrics"
)

// verifyWebhook answers the channel provider's subscription handshake:
// echo the challenge iff the verify token matches, 403 otherwise.
func (s *Server) verifyWebhook(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode := firstOf(q, "hub.mode", "mode")
	token := firstOf(q, "hub.verify_token", "verify_token")
	challenge := firstOf(q, "hub.challenge", "challenge")

	if mode == "subscribe" && s.VerifyToken != "" && token == s.VerifyToken {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(challenge))
		return
	}
	http.Error(w, "forbidden", http.StatusForbidden)
}

func firstOf(q map[string][]string, keys ...string) string {
	for _, k := range keys {
		if v, ok := q[k]; ok && len(v) > 0 {
			return v[0]
		}
	}
	return ""
}

// messengerPayload is the Graph webhook delivery shape.
type messengerPayload struct {
	Object string `json:"object"`
	Entry  []struct {
		ID        string `json:"id"`
		Messaging []struct {
			Sender struct {
				ID string `json:"id"`
			} `json:"sender"`
			Timestamp int64 `json:"timestamp"`
			Message   struct {
				MID    string `json:"mid"`
				Text   string `json:"text"`
				IsEcho bool   `json:"is_echo"`
			} `json:"message"`
		} `json:"messaging"`
	} `json:"entry"`
}

// genericPayload covers channels that deliver pre-normalized events.
type genericPayload struct {
	Events []struct {
		ExternalID      string            `json:"external_id"`
		From            string            `json:"from"`
		Text            string            `json:"text"`
		Timestamp       int64             `json:"timestamp"`
		Echo            bool              `json:"echo"`
		ProviderPayload map[string]string `json:"provider_payload"`
	} `json:"events"`
}

// receiveWebhook ingests a batch of channel events. The provider only
// needs acknowledgement of receipt, so any well-formed delivery gets a
// 200 with counts; per-event failures are logged and skipped.
func (s *Server) receiveWebhook(w http.ResponseWriter, r *http.Request) {
	ch := chi.URLParam(r, "channel")
	org := r.URL.Query().Get("org")
	if org == "" {
		org = s.DefaultOrg
	}

	var events []core.InboundEvent
	var err error
	if ch == "messenger" {
		events, err = s.parseMessenger(r, org)
	} else {
		events, err = s.parseGeneric(r, org, ch)
	}
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_body"})
		return
	}

	enqueued := 0
	for _, ev := range events {
		_, created, err := s.Store.RecordInbound(r.Context(), ev)
		if err != nil {
			metrics.IngestEvents.WithLabelValues("error").Inc()
			s.Log.Error("ingest event", zap.String("external_id", ev.ExternalID), zap.Error(err))
			continue
		}
		if created {
			metrics.IngestEvents.WithLabelValues("enqueued").Inc()
			enqueued++
		} else {
			metrics.IngestEvents.WithLabelValues("duplicate").Inc()
		}
	}

	// Latency optimization only: the periodic sweep is the backstop, so
	// a trigger failure is logged, never surfaced to the provider.
	triggered := 0
	if enqueued > 0 {
		if s.triggerDispatch(org) {
			triggered++
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "enqueued": enqueued, "triggered": triggered})
}

func (s *Server) parseMessenger(r *http.Request, org string) ([]core.InboundEvent, error) {
	var p messengerPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		return nil, err
	}
	var events []core.InboundEvent
	for _, entry := range p.Entry {
		for _, m := range entry.Messaging {
			if m.Message.IsEcho || m.Message.MID == "" || strings.TrimSpace(m.Message.Text) == "" {
				metrics.IngestEvents.WithLabelValues("skipped").Inc()
				continue
			}
			payload := map[string]string{"page_id": entry.ID}
			if s.PageToken != "" {
				payload["page_token"] = s.PageToken
			}
			events = append(events, core.InboundEvent{
				OrganizationID:  org,
				Channel:         "messenger",
				ChannelUserID:   m.Sender.ID,
				ExternalID:      m.Message.MID,
				Text:            m.Message.Text,
				Timestamp:       time.UnixMilli(m.Timestamp),
				ProviderPayload: payload,
			})
		}
	}
	return events, nil
}

func (s *Server) parseGeneric(r *http.Request, org, ch string) ([]core.InboundEvent, error) {
	var p genericPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		return nil, err
	}
	var events []core.InboundEvent
	for _, e := range p.Events {
		if e.Echo || e.ExternalID == "" || strings.TrimSpace(e.Text) == "" {
			metrics.IngestEvents.WithLabelValues("skipped").Inc()
			continue
		}
		ts := time.Now()
		if e.Timestamp > 0 {
			ts = time.UnixMilli(e.Timestamp)
		}
		events = append(events, core.InboundEvent{
			OrganizationID:  org,
			Channel:         ch,
			ChannelUserID:   e.From,
			ExternalID:      e.ExternalID,
			Text:            e.Text,
			Timestamp:       ts,
			ProviderPayload: e.ProviderPayload,
		})
	}
	return events, nil
}

// triggerDispatch runs one bounded dispatcher sweep so fresh inbound
// messages get answered without waiting for the next timer tick.
func (s *Server) triggerDispatch(org string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), s.TriggerTimeout)
	defer cancel()

	if _, err := s.Dispatcher.RunSweep(ctx, org, s.DispatchLimit); err != nil {
		metrics.DispatchTriggers.WithLabelValues("error").Inc()
		s.Log.Warn("dispatch trigger", zap.Error(err))
		return false
	}
	metrics.DispatchTriggers.WithLabelValues("ok").Inc()
	return true
}
