// Package api exposes the block builder's HTTP surface: fee info, tx
// request intake, proposal retrieval, and signature posting, on a chi
// router with per-route OpenTelemetry instrumentation and a rate-limited
// intake path.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/InternetMaximalism/intmax2/errkind"
	"github.com/InternetMaximalism/intmax2/fee"
	"github.com/InternetMaximalism/intmax2/observability"
	"github.com/InternetMaximalism/intmax2/types"
)

// Intake is the request-intake surface the API delegates to.
type Intake interface {
	SubmitTxRequest(ctx context.Context, bt types.BlockType, req *types.TxRequest) (uuid.UUID, error)
	QueryProposal(ctx context.Context, requestID uuid.UUID) (*types.BlockProposal, error)
}

// SignatureCollector accepts verified sender signatures.
type SignatureCollector interface {
	PostSignature(ctx context.Context, entry *types.SignatureEntry) error
}

// Server is the builder's HTTP front end.
type Server struct {
	intake     Intake
	signatures SignatureCollector
	feeInfo    *fee.Info
	logger     *slog.Logger

	mu       sync.Mutex
	visitors map[string]*rate.Limiter
}

// NewServer wires the HTTP surface.
func NewServer(intake Intake, signatures SignatureCollector, feeInfo *fee.Info, logger *slog.Logger) *Server {
	return &Server{
		intake:     intake,
		signatures: signatures,
		feeInfo:    feeInfo,
		logger:     logger,
		visitors:   make(map[string]*rate.Limiter),
	}
}

// Handler builds the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", observability.MetricsHandler())

	r.Method(http.MethodGet, "/fee-info", otelhttp.NewHandler(http.HandlerFunc(s.handleFeeInfo), "fee-info"))
	r.Method(http.MethodPost, "/tx-request",
		otelhttp.NewHandler(s.rateLimit(http.HandlerFunc(s.handleTxRequest)), "tx-request"))
	r.Method(http.MethodPost, "/query-proposal", otelhttp.NewHandler(http.HandlerFunc(s.handleQueryProposal), "query-proposal"))
	r.Method(http.MethodPost, "/post-signature", otelhttp.NewHandler(http.HandlerFunc(s.handlePostSignature), "post-signature"))

	return r
}

// rateLimit applies a per-client token bucket on the intake path, the first
// line of backpressure before the queue-depth check.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		s.mu.Lock()
		limiter, ok := s.visitors[host]
		if !ok {
			limiter = rate.NewLimiter(rate.Limit(10), 20)
			s.visitors[host] = limiter
		}
		s.mu.Unlock()
		if !limiter.Allow() {
			writeJSON(w, http.StatusTooManyRequests, errorBody{ErrorKind: "Backpressure", Message: "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleFeeInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.feeInfo)
}

type txRequestBody struct {
	IsRegistrationBlock bool            `json:"is_registration_block"`
	Sender              string          `json:"sender"`
	Tx                  types.Tx        `json:"tx"`
	FeeProof            *types.FeeProof `json:"fee_proof,omitempty"`
}

func (s *Server) handleTxRequest(w http.ResponseWriter, r *http.Request) {
	var body txRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, errkind.NewValidation("api.handleTxRequest", err))
		return
	}
	sender, err := uint256.FromHex(body.Sender)
	if err != nil {
		writeError(w, errkind.NewValidation("api.handleTxRequest", fmt.Errorf("sender: %w", err)))
		return
	}
	bt := types.NonRegistration
	if body.IsRegistrationBlock {
		bt = types.Registration
	}
	req := &types.TxRequest{
		Pubkey:   sender,
		Tx:       body.Tx,
		FeeProof: body.FeeProof,
	}
	requestID, err := s.intake.SubmitTxRequest(r.Context(), bt, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"request_id": requestID.String()})
}

type queryProposalBody struct {
	RequestID uuid.UUID `json:"request_id"`
}

func (s *Server) handleQueryProposal(w http.ResponseWriter, r *http.Request) {
	var body queryProposalBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, errkind.NewValidation("api.handleQueryProposal", err))
		return
	}
	proposal, err := s.intake.QueryProposal(r.Context(), body.RequestID)
	if err != nil {
		if isPending(err) {
			writeJSON(w, http.StatusOK, map[string]bool{"pending": true})
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"block_proposal": proposal})
}

type postSignatureBody struct {
	RequestID uuid.UUID `json:"request_id"`
	Pubkey    string    `json:"pubkey"`
	Signature []byte    `json:"signature"`
}

func (s *Server) handlePostSignature(w http.ResponseWriter, r *http.Request) {
	var body postSignatureBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, errkind.NewValidation("api.handlePostSignature", err))
		return
	}
	pk, err := uint256.FromHex(body.Pubkey)
	if err != nil {
		writeError(w, errkind.NewValidation("api.handlePostSignature", fmt.Errorf("pubkey: %w", err)))
		return
	}
	entry := &types.SignatureEntry{
		RequestID: body.RequestID,
		Pubkey:    pk,
		Signature: body.Signature,
	}
	if err := s.signatures.PostSignature(r.Context(), entry); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}
