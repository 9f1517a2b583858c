package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/hounfour/finn/internal/auth"
	"github.com/hounfour/finn/internal/faults"
)

// finalizeRequest is the body posted to the upstream settlement
// endpoint. Amounts stay integer micro-USD on the wire.
type finalizeRequest struct {
	EntryID       string `json:"entry_id"`
	AccountID     string `json:"account_id"`
	AmountMicro   uint64 `json:"amount_microusd"`
	CorrelationID string `json:"correlation_id"`
}

// HTTPAcknowledger settles finalize jobs against the upstream billing
// service over HTTP, signing each call with the intra-service HMAC
// envelope.
type HTTPAcknowledger struct {
	endpoint string
	signer   *auth.EnvelopeSigner
	client   *http.Client
}

// NewHTTPAcknowledger builds an acknowledger for the given endpoint.
// client may be nil.
func NewHTTPAcknowledger(endpoint string, signer *auth.EnvelopeSigner, client *http.Client) *HTTPAcknowledger {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPAcknowledger{endpoint: endpoint, signer: signer, client: client}
}

// Finalize implements Acknowledger. A non-2xx status is an error so the
// queue's retry policy applies uniformly.
func (a *HTTPAcknowledger) Finalize(ctx context.Context, entryID, accountID string, amount uint64, correlationID string) (int, error) {
	body, err := json.Marshal(finalizeRequest{
		EntryID:       entryID,
		AccountID:     accountID,
		AmountMicro:   amount,
		CorrelationID: correlationID,
	})
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}

	nonceValue := uuid.NewString()
	signature, issuedAt := a.signer.Sign(http.MethodPost, req.URL.Path, body, nonceValue, correlationID)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Signature", signature)
	req.Header.Set("X-Issued-At", issuedAt)
	req.Header.Set("X-Nonce", nonceValue)
	req.Header.Set("X-Trace-Id", correlationID)

	resp, err := a.client.Do(req)
	if err != nil {
		return 0, faults.Wrap(faults.KindTransient, "FINALIZE_UPSTREAM_UNREACHABLE", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		kind := faults.KindTransient
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			kind = faults.KindPrecondition
		}
		return resp.StatusCode, faults.Newf(kind, "FINALIZE_UPSTREAM_STATUS",
			"finalize rejected with status %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

var _ Acknowledger = (*HTTPAcknowledger)(nil)

// String identifies the acknowledger in logs.
func (a *HTTPAcknowledger) String() string {
	return fmt.Sprintf("http-acknowledger(%s)", a.endpoint)
}
