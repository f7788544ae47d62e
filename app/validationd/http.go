package validationd

import (
	"encoding/hex"
	"net/http"
	"strconv"

	"github.com/go-jose/go-jose/v4/json"
	"github.com/gorilla/mux"

	"github.com/xrpl-labs/validationd/pkg/validations"
)

// router builds the query surface over the validation collection
// (spec §4.2-§4.6). Every route is read-only except PUT
// /dead-ledgers/{hash}, which requires write auth. It is a thin adapter:
// every handler calls straight into Collection and never touches internal
// state directly.
func (a *App) router() *mux.Router {
	r := mux.NewRouter()

	r.Handle("/healthz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})).Methods(http.MethodGet)

	r.HandleFunc("/ledgers/{hash}/validations", a.handleGetValidations).Methods(http.MethodGet)
	r.HandleFunc("/ledgers/{hash}/counts", a.handleGetValidationCount).Methods(http.MethodGet)
	r.HandleFunc("/ledgers/{hash}/trusted-count", a.handleGetTrustedValidationCount).Methods(http.MethodGet)
	r.HandleFunc("/current-validations", a.handleGetCurrentValidations).Methods(http.MethodGet)
	r.HandleFunc("/current-validations/stream", a.handleStreamCurrentValidations).Methods(http.MethodGet)
	r.HandleFunc("/current-validation-count", a.handleGetCurrentValidationCount).Methods(http.MethodGet)
	r.HandleFunc("/dead-ledgers/{hash}", a.handleDeadLedger).Methods(http.MethodGet)
	r.HandleFunc("/dead-ledgers/{hash}", a.requireWriteAuth(a.handleDeadLedger)).Methods(http.MethodPut)

	return r
}

func parseLedgerHash(w http.ResponseWriter, r *http.Request) (validations.LedgerHash, bool) {
	raw := mux.Vars(r)["hash"]
	decoded, err := hex.DecodeString(raw)
	if err != nil || len(decoded) != len(validations.LedgerHash{}) {
		writeJSONError(w, http.StatusBadRequest, "ledger hash must be 64 hex characters")
		return validations.LedgerHash{}, false
	}
	var h validations.LedgerHash
	copy(h[:], decoded)
	return h, true
}

func (a *App) handleGetValidations(w http.ResponseWriter, r *http.Request) {
	ledger, ok := parseLedgerHash(w, r)
	if !ok {
		return
	}

	byNode := a.Collection.GetValidations(ledger)
	wire := make(map[string]validationWire, len(byNode))
	for node, v := range byNode {
		wire[node.String()] = toWire(v)
	}
	writeJSON(w, http.StatusOK, wire)
}

func (a *App) handleGetValidationCount(w http.ResponseWriter, r *http.Request) {
	ledger, ok := parseLedgerHash(w, r)
	if !ok {
		return
	}
	currentOnly := r.URL.Query().Get("current_only") == "true"
	trusted, untrusted := a.Collection.GetValidationCount(ledger, currentOnly)
	writeJSON(w, http.StatusOK, map[string]int{"trusted": trusted, "untrusted": untrusted})
}

func (a *App) handleGetTrustedValidationCount(w http.ResponseWriter, r *http.Request) {
	ledger, ok := parseLedgerHash(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"trusted": a.Collection.GetTrustedValidationCount(ledger)})
}

func (a *App) handleGetCurrentValidations(w http.ResponseWriter, r *http.Request) {
	snapshot := a.Collection.GetCurrentValidations()
	writeJSON(w, http.StatusOK, snapshotToWire(snapshot))
}

func (a *App) handleGetCurrentValidationCount(w http.ResponseWriter, r *http.Request) {
	afterTime, err := strconv.ParseUint(r.URL.Query().Get("after"), 10, 32)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "after query parameter must be a uint32 close time")
		return
	}
	count := a.Collection.GetCurrentValidationCount(uint32(afterTime))
	writeJSON(w, http.StatusOK, map[string]int{"count": count})
}

func (a *App) handleDeadLedger(w http.ResponseWriter, r *http.Request) {
	ledger, ok := parseLedgerHash(w, r)
	if !ok {
		return
	}
	if r.Method == http.MethodPut {
		a.Collection.AddDeadLedger(ledger)
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"dead": a.Collection.IsDeadLedger(ledger)})
}

type validationWire struct {
	SignerPub string `json:"signer_pub"`
	CloseTime uint32 `json:"close_time"`
	Flags     uint32 `json:"flags"`
	Trusted   bool   `json:"trusted"`
}

func toWire(v *validations.Validation) validationWire {
	return validationWire{
		SignerPub: hex.EncodeToString(v.SignerPub),
		CloseTime: v.CloseTime,
		Flags:     v.Flags,
		Trusted:   v.Trusted,
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
