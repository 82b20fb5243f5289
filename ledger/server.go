package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/carlmjohnson/versioninfo"
	didsol "github.com/did-method-sol/go-didsol"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	// maxAirdrop caps a single faucet request, in lamports
	maxAirdrop = 10_000_000_000

	streamPageSize  = 1000
	streamPingEvery = 30 * time.Second
	writeTimeout    = 10 * time.Second
)

// DocumentResponse is the response for GET /{address}
type DocumentResponse struct {
	DID        string           `json:"did"`
	DidAccount string           `json:"didAccount"`
	Generative bool             `json:"generative"`
	Document   *didsol.Document `json:"document"`
}

// FaucetRequest is the body of POST /faucet
type FaucetRequest struct {
	Address  didsol.PublicKey `json:"address"`
	Lamports uint64           `json:"lamports"`
}

// Server holds the HTTP server and its dependencies
type Server struct {
	store    didsol.AccountStore
	ledger   *Ledger
	state    *LedgerState
	addr     string
	faucet   bool
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewServer creates a new HTTP server
func NewServer(store didsol.AccountStore, ledger *Ledger, state *LedgerState, addr string, faucet bool, logger *slog.Logger) *Server {
	return &Server{
		store:  store,
		ledger: ledger,
		state:  state,
		addr:   addr,
		faucet: faucet,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger.With("component", "server"),
	}
}

// Handler returns the routes of the ledger API
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /_health", s.handleHealth)
	mux.HandleFunc("GET /stream", s.handleStream)
	mux.HandleFunc("POST /submit", s.handleSubmit)
	if s.faucet {
		mux.HandleFunc("POST /faucet", s.handleFaucet)
	}
	mux.HandleFunc("GET /{address}/account", s.handleAccount)
	mux.HandleFunc("GET /{address}/history", s.handleHistory)
	mux.HandleFunc("GET /{address}", s.handleDocument)
	mux.HandleFunc("GET /{$}", s.handleIndex)
	return mux
}

// Run starts the HTTP server (blocking)
func (s *Server) Run() error {
	handler := otelhttp.NewHandler(s.Handler(), "")

	s.logger.Info("http server listening", "addr", s.addr)
	return http.ListenAndServe(s.addr, handler)
}

// handleIndex serves the index page
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprint(w, "hello did:sol ledger\n")
}

// handleHealth handles GET /_health - returns version information
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"version": versioninfo.Short(),
		"lastSeq": s.state.LastSeq(),
	})
}

// writeJSONError writes a JSON error response
func writeJSONError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"message": message})
}

func writeJSON(w http.ResponseWriter, contentType string, v any) {
	w.Header().Set("Content-Type", contentType)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		writeJSONError(w, fmt.Sprintf("error encoding response: %v", err), http.StatusInternalServerError)
	}
}

// resolveAddress accepts either a DID account address or a did:sol
// identifier. For an identifier the authority is returned as well.
func resolveAddress(param string) (didsol.PublicKey, *didsol.PublicKey, error) {
	if strings.HasPrefix(param, "did:") {
		authority, err := didsol.ParseDidSol(param)
		if err != nil {
			return didsol.PublicKey{}, nil, err
		}
		addr, _, err := didsol.DeriveDidAccount(authority[:])
		if err != nil {
			return didsol.PublicKey{}, nil, err
		}
		return addr, &authority, nil
	}
	addr, err := didsol.ParsePublicKey(param)
	if err != nil {
		return didsol.PublicKey{}, nil, err
	}
	return addr, nil, nil
}

// handleDocument handles GET /{address} - returns the DID document. Generative
// documents are resolved when the authority is known, from a did:sol
// identifier or the ?authority= query parameter.
func (s *Server) handleDocument(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	addr, authority, err := resolveAddress(r.PathValue("address"))
	if err != nil {
		writeJSONError(w, fmt.Sprintf("invalid address: %v", err), http.StatusBadRequest)
		return
	}
	if q := r.URL.Query().Get("authority"); q != "" && authority == nil {
		k, err := didsol.ParsePublicKey(q)
		if err != nil {
			writeJSONError(w, fmt.Sprintf("invalid authority: %v", err), http.StatusBadRequest)
			return
		}
		authority = &k
	}

	acct, err := s.store.GetAccount(ctx, addr)
	if err != nil {
		writeJSONError(w, fmt.Sprintf("error fetching account: %v", err), http.StatusInternalServerError)
		return
	}
	if acct.IsGenerative() && authority == nil {
		writeJSONError(w, fmt.Sprintf("DID account not initialized: %s", addr), http.StatusNotFound)
		return
	}

	var auth didsol.PublicKey
	if authority != nil {
		auth = *authority
	}
	doc, err := didsol.ResolveDocument(acct, auth, nil)
	if errors.Is(err, didsol.ErrWrongAuthorityForDid) {
		writeJSONError(w, fmt.Sprintf("authority does not derive %s", addr), http.StatusNotFound)
		return
	} else if err != nil {
		writeJSONError(w, fmt.Sprintf("error resolving document: %v", err), http.StatusUnprocessableEntity)
		return
	}

	writeJSON(w, "application/json", DocumentResponse{
		DID:        doc.DID(),
		DidAccount: addr.String(),
		Generative: acct.IsGenerative(),
		Document:   doc,
	})
}

// handleAccount handles GET /{address}/account - returns the raw account
func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	addr, _, err := resolveAddress(r.PathValue("address"))
	if err != nil {
		writeJSONError(w, fmt.Sprintf("invalid address: %v", err), http.StatusBadRequest)
		return
	}
	acct, err := s.store.GetAccount(r.Context(), addr)
	if err != nil {
		writeJSONError(w, fmt.Sprintf("error fetching account: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, "application/json", acct)
}

// handleHistory handles GET /{address}/history - returns every committed instruction for a DID account
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	addr, _, err := resolveAddress(r.PathValue("address"))
	if err != nil {
		writeJSONError(w, fmt.Sprintf("invalid address: %v", err), http.StatusBadRequest)
		return
	}
	records, err := s.store.GetHistory(r.Context(), addr)
	if err != nil {
		writeJSONError(w, fmt.Sprintf("error fetching history: %v", err), http.StatusInternalServerError)
		return
	}
	if len(records) == 0 {
		writeJSONError(w, fmt.Sprintf("no history for %s", addr), http.StatusNotFound)
		return
	}
	writeJSON(w, "application/json", records)
}

// handleSubmit handles POST /submit - runs a signed transaction and returns its record
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var tx Transaction
	if err := json.NewDecoder(r.Body).Decode(&tx); err != nil {
		writeJSONError(w, fmt.Sprintf("invalid transaction body: %v", err), http.StatusBadRequest)
		return
	}

	rec, err := s.ledger.Submit(r.Context(), &tx)
	if err != nil {
		writeJSONError(w, err.Error(), submitErrorStatus(err))
		return
	}
	writeJSON(w, "application/json", rec)
}

func submitErrorStatus(err error) int {
	switch {
	case errors.Is(err, ErrInvalidTransaction), errors.Is(err, didsol.ErrInvalidInstruction):
		return http.StatusBadRequest
	case errors.Is(err, didsol.ErrRevisionMismatch):
		return http.StatusConflict
	case errors.Is(err, ErrLedgerStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// handleFaucet handles POST /faucet - credits lamports to an address
func (s *Server) handleFaucet(w http.ResponseWriter, r *http.Request) {
	var req FaucetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, fmt.Sprintf("invalid faucet request: %v", err), http.StatusBadRequest)
		return
	}
	if req.Address.IsZero() || req.Lamports == 0 || req.Lamports > maxAirdrop {
		writeJSONError(w, fmt.Sprintf("lamports must be between 1 and %d", uint64(maxAirdrop)), http.StatusBadRequest)
		return
	}
	if err := s.ledger.Airdrop(r.Context(), req.Address, req.Lamports); err != nil {
		writeJSONError(w, err.Error(), submitErrorStatus(err))
		return
	}
	acct, err := s.store.GetAccount(r.Context(), req.Address)
	if err != nil {
		writeJSONError(w, fmt.Sprintf("error fetching account: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, "application/json", acct)
}

// handleStream handles GET /stream - a websocket of committed instruction
// records, starting after ?cursor= (default: only new records)
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	cursor := s.state.LastSeq()
	if q := r.URL.Query().Get("cursor"); q != "" {
		c, err := strconv.ParseInt(q, 10, 64)
		if err != nil || c < 0 {
			writeJSONError(w, "invalid cursor", http.StatusBadRequest)
			return
		}
		cursor = c
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader already wrote an error response
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// ReadMessage is the only way to observe a close from the client
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := s.streamRecords(ctx, conn, cursor); err != nil && ctx.Err() == nil {
		s.logger.Info("stream closed", "cursor", cursor, "error", err)
	}
}

func (s *Server) streamRecords(ctx context.Context, conn *websocket.Conn, cursor int64) error {
	ping := time.NewTicker(streamPingEvery)
	defer ping.Stop()

	for {
		// grab the channel before reading, so a commit in between is not missed
		changed := s.state.Changed()

		records, err := s.store.GetRecordsSince(ctx, cursor, streamPageSize)
		if err != nil {
			return err
		}
		for _, rec := range records {
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(rec); err != nil {
				return err
			}
			cursor = rec.Seq
		}
		if len(records) == streamPageSize {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return err
			}
		}
	}
}
