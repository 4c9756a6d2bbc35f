// Package webhook ingests signed deliveries from the external tracker:
// signature verification, delivery deduplication, payload decoding,
// then hand-off to the mirror.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	// DedupCapacity bounds the delivery-id set so a long-running daemon
	// cannot grow it without limit.
	DedupCapacity = 10000
	// maxBodySize caps inbound payloads.
	maxBodySize = 1 << 20

	signaturePrefix = "sha256="

	headerSignature = "X-Hub-Signature-256"
	headerDelivery  = "X-GitHub-Delivery"
	headerEvent     = "X-GitHub-Event"
)

// Processor consumes decoded events. Implemented by the mirror
// orchestrator.
type Processor interface {
	ProcessEvent(ctx context.Context, ev Event) error
}

// Handler is the POST /webhook endpoint.
type Handler struct {
	secret []byte
	proc   Processor
	seen   *lru.Cache[string, struct{}]
	logger *log.Logger
}

// NewHandler builds the endpoint around a shared secret and a
// processor.
func NewHandler(secret []byte, proc Processor, logger *log.Logger) (*Handler, error) {
	seen, err := lru.New[string, struct{}](DedupCapacity)
	if err != nil {
		return nil, fmt.Errorf("creating delivery cache: %w", err)
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{secret: secret, proc: proc, seen: seen, logger: logger}, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		http.Error(w, "reading body", http.StatusBadRequest)
		return
	}

	if !h.verify(body, r.Header.Get(headerSignature)) {
		http.Error(w, "signature mismatch", http.StatusUnauthorized)
		return
	}

	// Duplicate deliveries are ACK'd without reprocessing.
	delivery := r.Header.Get(headerDelivery)
	if delivery != "" {
		if found, _ := h.seen.ContainsOrAdd(delivery, struct{}{}); found {
			w.WriteHeader(http.StatusOK)
			return
		}
	}

	ev, err := Decode(r.Header.Get(headerEvent), delivery, body)
	if err != nil {
		// Forget the delivery id so a corrected redelivery with the same
		// id is not swallowed by the dedup check.
		if delivery != "" {
			h.seen.Remove(delivery)
		}
		h.logger.Printf("webhook: dropping malformed %s delivery %s: %v", ev.Name, delivery, err)
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}
	if !ev.Known() {
		w.WriteHeader(http.StatusOK)
		return
	}

	if err := h.proc.ProcessEvent(r.Context(), ev); err != nil {
		// Forget the delivery id so the sender's retry is reprocessed
		// rather than swallowed by the dedup check.
		if delivery != "" {
			h.seen.Remove(delivery)
		}
		h.logger.Printf("webhook: processing %s delivery %s: %v", ev.Name, delivery, err)
		http.Error(w, "processing failed", http.StatusBadGateway)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// verify checks the HMAC-SHA256 signature header against the raw body.
// Both MACs are hashed to a fixed length before the constant-time
// compare so the check leaks neither content nor length.
func (h *Handler) verify(body []byte, header string) bool {
	if !strings.HasPrefix(header, signaturePrefix) {
		return false
	}
	got, err := hex.DecodeString(strings.TrimPrefix(header, signaturePrefix))
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, h.secret)
	mac.Write(body)
	want := mac.Sum(nil)

	wantSum := sha256.Sum256(want)
	gotSum := sha256.Sum256(got)
	return hmac.Equal(wantSum[:], gotSum[:])
}

// Sign computes the signature header value for a body. Exported for
// outbound testing tools and test fixtures.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}
