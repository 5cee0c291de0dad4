package ingest

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/curvetrack/backend/internal/chain"
)

type healthResponse struct {
	OK bool `json:"ok"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.respondJSON(w, http.StatusOK, healthResponse{OK: true})
}

type createAgentRequest struct {
	Name      string `json:"name"`
	Bio       string `json:"bio"`
	AvatarURL string `json:"avatarUrl"`
}

func (s *Service) handleAgentsRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req createAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	agent, err := s.store.CreateAgent(r.Context(), req.Name, req.Bio, req.AvatarURL)
	if err != nil {
		if strings.Contains(err.Error(), "required") {
			s.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("failed to create agent", "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to create agent")
		return
	}

	s.respondJSON(w, http.StatusCreated, agent)
}

type registerWalletRequest struct {
	Chain        string `json:"chain"`
	Address      string `json:"address"`
	TokenAddress string `json:"tokenAddress"`
}

type agentDetailResponse struct {
	Agent   AgentRecord    `json:"agent"`
	Wallets []WalletRecord `json:"wallets"`
}

// handleAgentsSubroutes serves GET /v1/agents/{id}, POST
// /v1/agents/{id}/wallets, and POST /v1/agents/{id}/wallets/token.
func (s *Service) handleAgentsSubroutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/agents/"), "/")
	parts := strings.Split(rest, "/")
	if len(parts) == 0 || parts[0] == "" {
		s.respondError(w, http.StatusNotFound, "not found")
		return
	}
	agentID := parts[0]

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		s.handleGetAgent(w, r, agentID)
	case len(parts) == 2 && parts[1] == "wallets" && r.Method == http.MethodPost:
		s.handleRegisterWallet(w, r, agentID)
	case len(parts) == 3 && parts[1] == "wallets" && parts[2] == "token" && r.Method == http.MethodPost:
		s.handleSetWalletToken(w, r, agentID)
	default:
		s.respondError(w, http.StatusNotFound, "not found")
	}
}

func (s *Service) handleGetAgent(w http.ResponseWriter, r *http.Request, agentID string) {
	agent, err := s.store.GetAgent(r.Context(), agentID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "agent not found")
			return
		}
		s.logger.Error("failed to load agent", "agent_id", agentID, "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to load agent")
		return
	}

	wallets, err := s.store.ListAgentWallets(r.Context(), agentID)
	if err != nil {
		s.logger.Error("failed to list agent wallets", "agent_id", agentID, "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to load agent")
		return
	}

	s.respondJSON(w, http.StatusOK, agentDetailResponse{Agent: agent, Wallets: wallets})
}

func (s *Service) handleRegisterWallet(w http.ResponseWriter, r *http.Request, agentID string) {
	var req registerWalletRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	tag, err := chain.Parse(req.Chain)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	wallet, err := s.store.RegisterWallet(r.Context(), agentID, tag, req.Address, req.TokenAddress)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			s.respondError(w, http.StatusNotFound, "agent not found")
		case errors.Is(err, ErrAlreadyExists):
			s.respondError(w, http.StatusConflict, err.Error())
		case errors.Is(err, chain.ErrInvalidAddress):
			s.respondError(w, http.StatusBadRequest, err.Error())
		default:
			s.logger.Error("failed to register wallet", "agent_id", agentID, "err", err)
			s.respondError(w, http.StatusInternalServerError, "failed to register wallet")
		}
		return
	}

	// Reclassification is never implicit; operators trigger it after
	// registering or correcting a wallet's token.
	s.respondJSON(w, http.StatusCreated, wallet)
}

func (s *Service) handleSetWalletToken(w http.ResponseWriter, r *http.Request, agentID string) {
	var req registerWalletRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	tag, err := chain.Parse(req.Chain)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	err = s.store.SetWalletToken(r.Context(), agentID, tag, req.Address, req.TokenAddress)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			s.respondError(w, http.StatusNotFound, "wallet not found")
		case errors.Is(err, ErrTokenAlreadySet):
			s.respondError(w, http.StatusConflict, err.Error())
		case errors.Is(err, chain.ErrInvalidAddress):
			s.respondError(w, http.StatusBadRequest, err.Error())
		default:
			s.logger.Error("failed to set wallet token", "agent_id", agentID, "err", err)
			s.respondError(w, http.StatusInternalServerError, "failed to set wallet token")
		}
		return
	}

	s.respondJSON(w, http.StatusOK, healthResponse{OK: true})
}

type setNoteRequest struct {
	Note string `json:"note"`
}

// handleTradeSubroutes serves POST /v1/trades/{chain}/{signature}/note.
func (s *Service) handleTradeSubroutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/trades/"), "/")
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[2] != "note" {
		s.respondError(w, http.StatusNotFound, "not found")
		return
	}
	if r.Method != http.MethodPost {
		s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	tag, err := chain.Parse(parts[0])
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req setNoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	if err := s.store.SetTradeNote(r.Context(), tag, parts[1], req.Note); err != nil {
		if errors.Is(err, ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "trade not found")
			return
		}
		s.logger.Error("failed to set trade note", "chain", tag, "tx", parts[1], "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to set trade note")
		return
	}

	s.respondJSON(w, http.StatusOK, healthResponse{OK: true})
}

type repairResponse struct {
	Reclassified int64 `json:"reclassified"`
}

func (s *Service) handleRepairBuybacks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	affected, err := s.store.RepairBuybacks(r.Context())
	if err != nil {
		s.logger.Error("buyback repair failed", "err", err)
		s.respondError(w, http.StatusInternalServerError, "buyback repair failed")
		return
	}

	if affected > 0 {
		s.logger.Info("buyback flags repaired", "rows", affected)
	}
	s.respondJSON(w, http.StatusOK, repairResponse{Reclassified: affected})
}

func (s *Service) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to encode response", "err", err)
	}
}

func (s *Service) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, errorResponse{Error: message})
}
