package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/JhayceeCodes/nams-voting-platform/internal/auth"
	"github.com/JhayceeCodes/nams-voting-platform/internal/config"
	"github.com/JhayceeCodes/nams-voting-platform/internal/crypto"
	"github.com/JhayceeCodes/nams-voting-platform/internal/model"
	"github.com/JhayceeCodes/nams-voting-platform/internal/policy"
	"github.com/JhayceeCodes/nams-voting-platform/internal/repository"
)

type Server struct {
	cfg   config.Config
	store *repository.Store
	redis *redis.Client
	now   func() time.Time
}

func NewServer(cfg config.Config, store *repository.Store, redisClient *redis.Client) *Server {
	return &Server{
		cfg:   cfg,
		store: store,
		redis: redisClient,
		now:   time.Now,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/signup", s.handleSignup)
	r.Post("/auth/login", s.handleLogin)
	r.Post("/auth/refresh", s.handleRefresh)
	r.With(s.authMiddleware).Post("/auth/logout", s.handleLogout)
	r.With(s.authMiddleware).Get("/auth/me", s.handleGetMe)

	r.With(s.authMiddleware, s.require(policy.ResourceAccount, policy.OpCreate, "superuser_only")).
		Post("/accounts", s.handleCreateAccount)

	r.Route("/elections", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.With(s.requireCatalogRead()).Get("/", s.handleListElections)
		r.With(s.requireCatalogRead()).Get("/{electionID}", s.handleGetElection)
		r.With(s.requireCatalogWrite(policy.OpCreate)).Post("/", s.handleCreateElection)
		r.With(s.requireCatalogWrite(policy.OpUpdate)).Put("/{electionID}", s.handleUpdateElection)
		r.With(s.requireCatalogWrite(policy.OpUpdate)).Patch("/{electionID}", s.handleUpdateElection)
		r.With(s.requireCatalogWrite(policy.OpDelete)).Delete("/{electionID}", s.handleDeleteElection)
	})

	r.Route("/positions", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.With(s.requireCatalogRead()).Get("/", s.handleListPositions)
		r.With(s.requireCatalogRead()).Get("/{positionID}", s.handleGetPosition)
		r.With(s.requireCatalogWrite(policy.OpCreate)).Post("/", s.handleCreatePosition)
		r.With(s.requireCatalogWrite(policy.OpUpdate)).Put("/{positionID}", s.handleUpdatePosition)
		r.With(s.requireCatalogWrite(policy.OpUpdate)).Patch("/{positionID}", s.handleUpdatePosition)
		r.With(s.requireCatalogWrite(policy.OpDelete)).Delete("/{positionID}", s.handleDeletePosition)
	})

	r.Route("/candidates", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.With(s.requireCatalogRead()).Get("/", s.handleListCandidates)
		r.With(s.requireCatalogRead()).Get("/{candidateID}", s.handleGetCandidate)
		r.With(s.requireCatalogWrite(policy.OpCreate)).Post("/", s.handleCreateCandidate)
		r.With(s.requireCatalogWrite(policy.OpUpdate)).Put("/{candidateID}", s.handleUpdateCandidate)
		r.With(s.requireCatalogWrite(policy.OpUpdate)).Patch("/{candidateID}", s.handleUpdateCandidate)
		r.With(s.requireCatalogWrite(policy.OpDelete)).Delete("/{candidateID}", s.handleDeleteCandidate)
	})

	r.Route("/votes", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/status", s.handleVoteStatus)
		r.Post("/", s.handleCastVote)
		r.With(s.require(policy.ResourceBallot, policy.OpRead, "superuser_only")).Get("/", s.handleListVotes)
		r.With(s.require(policy.ResourceBallot, policy.OpRead, "superuser_only")).Get("/{voteID}", s.handleGetVote)
		// Ballots are immutable: these answer 405 before any role check runs.
		r.Put("/{voteID}", s.handleVoteImmutable)
		r.Patch("/{voteID}", s.handleVoteImmutable)
		r.Delete("/{voteID}", s.handleVoteImmutable)
	})

	return r
}

// --- request/response shapes ---

type signupRequest struct {
	MatricNo string `json:"matric_no"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
}

type createAccountRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
	Role     string `json:"role"`
}

type accountResponse struct {
	ID        string  `json:"id"`
	MatricNo  *string `json:"matric_no,omitempty"`
	Email     *string `json:"email,omitempty"`
	FullName  string  `json:"full_name"`
	Role      string  `json:"role"`
	CreatedOn int64   `json:"createdOn"`
}

type loginRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

type authResponse struct {
	AccessToken  string          `json:"accessToken"`
	RefreshToken string          `json:"refreshToken"`
	Account      accountResponse `json:"account"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type candidatePayload struct {
	Name  string  `json:"name"`
	Image *string `json:"image"`
}

type positionPayload struct {
	Name       string             `json:"name"`
	Candidates []candidatePayload `json:"candidates"`
}

type electionRequest struct {
	Title       string            `json:"title"`
	Description string            `json:"description"`
	StartDate   time.Time         `json:"start_date"`
	EndDate     time.Time         `json:"end_date"`
	Positions   []positionPayload `json:"positions"`
}

type electionPatchRequest struct {
	Title       *string    `json:"title"`
	Description *string    `json:"description"`
	StartDate   *time.Time `json:"start_date"`
	EndDate     *time.Time `json:"end_date"`
}

type positionRequest struct {
	Name     string `json:"name"`
	Election string `json:"election"`
}

type positionPatchRequest struct {
	Name *string `json:"name"`
}

type candidateRequest struct {
	Name     string  `json:"name"`
	Image    *string `json:"image"`
	Position string  `json:"position"`
}

type candidatePatchRequest struct {
	Name     *string `json:"name"`
	Image    *string `json:"image"`
	Position *string `json:"position"`
}

type candidateResponse struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Image    *string `json:"image,omitempty"`
	Position string  `json:"position"`
	Election string  `json:"election"`
}

type positionResponse struct {
	ID         string              `json:"id"`
	Name       string              `json:"name"`
	Election   string              `json:"election"`
	Candidates []candidateResponse `json:"candidates"`
}

type electionResponse struct {
	ID          string             `json:"id"`
	Title       string             `json:"title"`
	Description string             `json:"description"`
	StartDate   time.Time          `json:"start_date"`
	EndDate     time.Time          `json:"end_date"`
	Positions   []positionResponse `json:"positions"`
}

type voteRequest struct {
	Election  string `json:"election"`
	Position  string `json:"position"`
	Candidate string `json:"candidate"`
}

type voteResponse struct {
	ID        string `json:"id"`
	Election  string `json:"election"`
	Position  string `json:"position"`
	Candidate string `json:"candidate"`
	Voter     string `json:"voter"`
	CastAt    int64  `json:"castAt"`
}

type voteStatusResponse struct {
	HaveVoted bool `json:"haveVoted"`
}

// --- identity ---

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	req.MatricNo = strings.TrimSpace(req.MatricNo)
	if req.MatricNo == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "missing_credentials")
		return
	}
	if code := validateMatric(req.MatricNo, s.now()); code != "" {
		writeError(w, http.StatusBadRequest, code)
		return
	}

	passwordHash, err := crypto.HashPassword(req.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	now := s.now().UTC()
	account := model.Account{
		ID:           uuid.NewString(),
		MatricNo:     &req.MatricNo,
		FullName:     strings.TrimSpace(req.FullName),
		PasswordHash: passwordHash,
		Role:         model.RoleVoter,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateAccount(r.Context(), account); err != nil {
		if isUniqueViolation(err) {
			writeError(w, http.StatusBadRequest, "matric_taken")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	writeJSON(w, http.StatusCreated, toAccountResponse(account))
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	if req.Email == "" || !strings.Contains(req.Email, "@") {
		writeError(w, http.StatusBadRequest, "invalid_email")
		return
	}
	if req.Password == "" {
		writeError(w, http.StatusBadRequest, "missing_credentials")
		return
	}
	role := model.Role(req.Role)
	if role != model.RoleAdmin && role != model.RoleSuperuser {
		// Voter accounts come through /signup with a matric number.
		writeError(w, http.StatusBadRequest, "invalid_role")
		return
	}

	passwordHash, err := crypto.HashPassword(req.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	now := s.now().UTC()
	account := model.Account{
		ID:           uuid.NewString(),
		Email:        &req.Email,
		FullName:     strings.TrimSpace(req.FullName),
		PasswordHash: passwordHash,
		Role:         role,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateAccount(r.Context(), account); err != nil {
		if isUniqueViolation(err) {
			writeError(w, http.StatusBadRequest, "email_taken")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	writeJSON(w, http.StatusCreated, toAccountResponse(account))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	req.Identifier = strings.TrimSpace(req.Identifier)
	if req.Identifier == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "missing_credentials")
		return
	}

	var account model.Account
	var err error
	if isDigits(req.Identifier) {
		account, err = s.store.GetAccountByMatric(r.Context(), req.Identifier)
	} else {
		account, err = s.store.GetAccountByEmail(r.Context(), strings.ToLower(req.Identifier))
	}
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusUnauthorized, "invalid_credentials")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	if err := crypto.CheckPassword(account.PasswordHash, req.Password); err != nil {
		writeError(w, http.StatusUnauthorized, "invalid_credentials")
		return
	}

	accessToken, refreshToken, err := s.issueTokens(r.Context(), account, r.UserAgent(), clientIP(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "token_error")
		return
	}

	writeJSON(w, http.StatusOK, authResponse{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		Account:      toAccountResponse(account),
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil || req.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	session, err := s.store.GetRefreshSession(r.Context(), crypto.HashToken(req.RefreshToken))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid_refresh_token")
		return
	}
	now := s.now().UTC()
	if session.RevokedAt != nil || now.After(session.ExpiresAt) {
		writeError(w, http.StatusUnauthorized, "invalid_refresh_token")
		return
	}

	account, err := s.store.GetAccountByID(r.Context(), session.AccountID)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid_refresh_token")
		return
	}

	// Rotate: the presented token is spent whether or not issuing succeeds.
	if err := s.store.RevokeRefreshSession(r.Context(), session.ID, now); err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	accessToken, refreshToken, err := s.issueTokens(r.Context(), account, r.UserAgent(), clientIP(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "token_error")
		return
	}

	writeJSON(w, http.StatusOK, authResponse{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		Account:      toAccountResponse(account),
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil || req.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	session, err := s.store.GetRefreshSession(r.Context(), crypto.HashToken(req.RefreshToken))
	if err != nil {
		// Already unusable; logout is idempotent.
		writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
		return
	}
	if err := s.store.RevokeRefreshSession(r.Context(), session.ID, s.now().UTC()); err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

func (s *Server) handleGetMe(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	account, err := s.store.GetAccountByID(r.Context(), claims.AccountID)
	if err != nil {
		writeError(w, http.StatusNotFound, "account_not_found")
		return
	}
	writeJSON(w, http.StatusOK, toAccountResponse(account))
}

func (s *Server) issueTokens(ctx context.Context, account model.Account, userAgent, ip string) (string, string, error) {
	matricNo := ""
	if account.MatricNo != nil {
		matricNo = *account.MatricNo
	}
	accessToken, err := auth.NewAccessToken(s.cfg.JWTSecret, s.cfg.JWTIssuer, s.cfg.AccessTokenTTL, auth.Claims{
		AccountID: account.ID,
		Role:      account.Role,
		MatricNo:  matricNo,
	})
	if err != nil {
		return "", "", err
	}

	refreshToken, err := crypto.NewRefreshToken()
	if err != nil {
		return "", "", err
	}

	now := s.now().UTC()
	session := model.RefreshSession{
		ID:        uuid.NewString(),
		AccountID: account.ID,
		TokenHash: crypto.HashToken(refreshToken),
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.RefreshTokenTTL),
	}
	if userAgent != "" {
		session.UserAgent = &userAgent
	}
	if ip != "" {
		session.IPAddress = &ip
	}
	if err := s.store.CreateRefreshSession(ctx, session); err != nil {
		return "", "", err
	}

	return accessToken, refreshToken, nil
}

// --- election catalog ---

func (s *Server) handleCreateElection(w http.ResponseWriter, r *http.Request) {
	var req electionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	req.Title = strings.TrimSpace(req.Title)
	if req.Title == "" {
		writeError(w, http.StatusBadRequest, "missing_title")
		return
	}
	if req.StartDate.IsZero() || req.EndDate.IsZero() {
		writeError(w, http.StatusBadRequest, "missing_dates")
		return
	}
	if !req.EndDate.After(req.StartDate) {
		writeError(w, http.StatusBadRequest, "end_before_start")
		return
	}

	input := model.ElectionInput{
		Title:       req.Title,
		Description: req.Description,
		StartDate:   req.StartDate,
		EndDate:     req.EndDate,
	}
	for _, position := range req.Positions {
		if strings.TrimSpace(position.Name) == "" {
			writeError(w, http.StatusBadRequest, "missing_position_name")
			return
		}
		positionInput := model.PositionInput{Name: strings.TrimSpace(position.Name)}
		for _, candidate := range position.Candidates {
			if strings.TrimSpace(candidate.Name) == "" {
				writeError(w, http.StatusBadRequest, "missing_candidate_name")
				return
			}
			positionInput.Candidates = append(positionInput.Candidates, model.CandidateInput{
				Name:     strings.TrimSpace(candidate.Name),
				ImageURL: candidate.Image,
			})
		}
		input.Positions = append(input.Positions, positionInput)
	}

	tree, err := s.store.CreateElection(r.Context(), input)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	writeJSON(w, http.StatusCreated, toElectionResponse(tree))
}

func (s *Server) handleListElections(w http.ResponseWriter, r *http.Request) {
	trees, err := s.store.ListElections(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	resp := make([]electionResponse, 0, len(trees))
	for _, tree := range trees {
		resp = append(resp, toElectionResponse(tree))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetElection(w http.ResponseWriter, r *http.Request) {
	tree, err := s.store.GetElectionTree(r.Context(), chi.URLParam(r, "electionID"))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusNotFound, "election_not_found")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusOK, toElectionResponse(tree))
}

func (s *Server) handleUpdateElection(w http.ResponseWriter, r *http.Request) {
	var req electionPatchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	election, err := s.store.UpdateElection(r.Context(), chi.URLParam(r, "electionID"), repository.ElectionPatch{
		Title:       req.Title,
		Description: req.Description,
		StartDate:   req.StartDate,
		EndDate:     req.EndDate,
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusNotFound, "election_not_found")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	// Answer with the same nested shape as GET so clients see one election
	// representation.
	tree, err := s.store.GetElectionTree(r.Context(), election.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusOK, toElectionResponse(tree))
}

func (s *Server) handleDeleteElection(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteElection(r.Context(), chi.URLParam(r, "electionID")); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusNotFound, "election_not_found")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// --- positions ---

func (s *Server) handleCreatePosition(w http.ResponseWriter, r *http.Request) {
	var req positionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "missing_position_name")
		return
	}
	if req.Election == "" {
		writeError(w, http.StatusBadRequest, "missing_election")
		return
	}

	if _, err := s.store.GetElection(r.Context(), req.Election); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusBadRequest, "election_not_found")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	position := model.Position{
		ID:         uuid.NewString(),
		ElectionID: req.Election,
		Name:       req.Name,
	}
	if err := s.store.CreatePosition(r.Context(), position); err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	writeJSON(w, http.StatusCreated, positionResponse{
		ID:         position.ID,
		Name:       position.Name,
		Election:   position.ElectionID,
		Candidates: []candidateResponse{},
	})
}

func (s *Server) handleListPositions(w http.ResponseWriter, r *http.Request) {
	electionID := r.URL.Query().Get("election")
	positions, err := s.store.ListPositions(r.Context(), electionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	candidates, err := s.store.ListCandidates(r.Context(), electionID, "")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	byPosition := make(map[string][]candidateResponse)
	for _, candidate := range candidates {
		byPosition[candidate.PositionID] = append(byPosition[candidate.PositionID], toCandidateResponse(candidate))
	}
	resp := make([]positionResponse, 0, len(positions))
	for _, position := range positions {
		children := byPosition[position.ID]
		if children == nil {
			children = []candidateResponse{}
		}
		resp = append(resp, positionResponse{
			ID:         position.ID,
			Name:       position.Name,
			Election:   position.ElectionID,
			Candidates: children,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	positionID := chi.URLParam(r, "positionID")
	position, err := s.store.GetPosition(r.Context(), positionID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusNotFound, "position_not_found")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	candidates, err := s.store.ListCandidates(r.Context(), "", positionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	resp := positionResponse{
		ID:         position.ID,
		Name:       position.Name,
		Election:   position.ElectionID,
		Candidates: make([]candidateResponse, 0, len(candidates)),
	}
	for _, candidate := range candidates {
		resp.Candidates = append(resp.Candidates, toCandidateResponse(candidate))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleUpdatePosition(w http.ResponseWriter, r *http.Request) {
	var req positionPatchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	position, err := s.store.UpdatePosition(r.Context(), chi.URLParam(r, "positionID"), repository.PositionPatch{Name: req.Name})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusNotFound, "position_not_found")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	writeJSON(w, http.StatusOK, positionResponse{
		ID:         position.ID,
		Name:       position.Name,
		Election:   position.ElectionID,
		Candidates: []candidateResponse{},
	})
}

func (s *Server) handleDeletePosition(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeletePosition(r.Context(), chi.URLParam(r, "positionID")); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusNotFound, "position_not_found")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// --- candidates ---

func (s *Server) handleCreateCandidate(w http.ResponseWriter, r *http.Request) {
	var req candidateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "missing_candidate_name")
		return
	}
	if req.Position == "" {
		writeError(w, http.StatusBadRequest, "missing_position")
		return
	}

	position, err := s.store.GetPosition(r.Context(), req.Position)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusBadRequest, "position_not_found")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	// The owning election comes from the referenced position, never from the
	// payload, so candidate.election always matches candidate.position.election.
	candidate := model.Candidate{
		ID:         uuid.NewString(),
		ElectionID: position.ElectionID,
		PositionID: position.ID,
		Name:       req.Name,
		ImageURL:   req.Image,
	}
	if err := s.store.CreateCandidate(r.Context(), candidate); err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	writeJSON(w, http.StatusCreated, toCandidateResponse(candidate))
}

func (s *Server) handleListCandidates(w http.ResponseWriter, r *http.Request) {
	candidates, err := s.store.ListCandidates(r.Context(), r.URL.Query().Get("election"), r.URL.Query().Get("position"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	resp := make([]candidateResponse, 0, len(candidates))
	for _, candidate := range candidates {
		resp = append(resp, toCandidateResponse(candidate))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetCandidate(w http.ResponseWriter, r *http.Request) {
	candidate, err := s.store.GetCandidate(r.Context(), chi.URLParam(r, "candidateID"))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusNotFound, "candidate_not_found")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusOK, toCandidateResponse(candidate))
}

func (s *Server) handleUpdateCandidate(w http.ResponseWriter, r *http.Request) {
	var req candidatePatchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	patch := repository.CandidatePatch{
		Name:     req.Name,
		ImageURL: req.Image,
	}
	if req.Position != nil {
		// Reparenting re-derives the owning election from the new position.
		position, err := s.store.GetPosition(r.Context(), *req.Position)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				writeError(w, http.StatusBadRequest, "position_not_found")
				return
			}
			writeError(w, http.StatusInternalServerError, "server_error")
			return
		}
		patch.PositionID = &position.ID
		patch.ElectionID = &position.ElectionID
	}

	candidate, err := s.store.UpdateCandidate(r.Context(), chi.URLParam(r, "candidateID"), patch)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusNotFound, "candidate_not_found")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	writeJSON(w, http.StatusOK, toCandidateResponse(candidate))
}

func (s *Server) handleDeleteCandidate(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteCandidate(r.Context(), chi.URLParam(r, "candidateID")); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusNotFound, "candidate_not_found")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// --- ballot ledger ---

func (s *Server) handleCastVote(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if !policy.Allowed(policy.ResourceBallot, policy.OpCreate, claims.Role) {
		switch claims.Role {
		case model.RoleAdmin:
			writeError(w, http.StatusForbidden, "admin_cannot_vote")
		case model.RoleSuperuser:
			writeError(w, http.StatusForbidden, "superuser_cannot_vote")
		default:
			writeError(w, http.StatusForbidden, "voters_only")
		}
		return
	}

	var req voteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if req.Election == "" {
		writeError(w, http.StatusBadRequest, "missing_election")
		return
	}
	if req.Position == "" {
		writeError(w, http.StatusBadRequest, "missing_position")
		return
	}
	if req.Candidate == "" {
		writeError(w, http.StatusBadRequest, "missing_candidate")
		return
	}

	election, err := s.store.GetElection(r.Context(), req.Election)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusBadRequest, "election_not_found")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	position, err := s.store.GetPosition(r.Context(), req.Position)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusBadRequest, "position_not_found")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	candidate, err := s.store.GetCandidate(r.Context(), req.Candidate)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusBadRequest, "candidate_not_found")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	if candidate.PositionID != position.ID {
		writeError(w, http.StatusBadRequest, "candidate_position_mismatch")
		return
	}
	if position.ElectionID != election.ID {
		writeError(w, http.StatusBadRequest, "position_election_mismatch")
		return
	}

	// Voter attribution comes from the session claims only; the payload
	// carries no voter field to trust.
	vote := model.Vote{
		ID:          uuid.NewString(),
		ElectionID:  election.ID,
		PositionID:  position.ID,
		CandidateID: candidate.ID,
		VoterID:     claims.AccountID,
		CastAt:      s.now().UTC(),
	}
	if err := s.store.InsertVote(r.Context(), vote); err != nil {
		if isUniqueViolation(err) {
			writeError(w, http.StatusBadRequest, "duplicate_vote")
			return
		}
		if isForeignKeyViolation(err) {
			// A referenced row vanished between resolution and insert.
			writeError(w, http.StatusBadRequest, "reference_not_found")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	s.cacheVoteStatus(r.Context(), claims.AccountID, election.ID)

	writeJSON(w, http.StatusCreated, voteResponse{
		ID:        vote.ID,
		Election:  vote.ElectionID,
		Position:  vote.PositionID,
		Candidate: vote.CandidateID,
		Voter:     claims.MatricNo,
		CastAt:    vote.CastAt.Unix(),
	})
}

func (s *Server) handleVoteImmutable(w http.ResponseWriter, _ *http.Request) {
	writeError(w, http.StatusMethodNotAllowed, "votes_immutable")
}

func (s *Server) handleListVotes(w http.ResponseWriter, r *http.Request) {
	records, err := s.store.ListVotes(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	resp := make([]voteResponse, 0, len(records))
	for _, record := range records {
		resp = append(resp, toVoteResponse(record))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetVote(w http.ResponseWriter, r *http.Request) {
	record, err := s.store.GetVote(r.Context(), chi.URLParam(r, "voteID"))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusNotFound, "vote_not_found")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusOK, toVoteResponse(record))
}

func (s *Server) handleVoteStatus(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	electionID := r.URL.Query().Get("election")

	if voted, ok := s.cachedVoteStatus(r.Context(), claims.AccountID, electionID); ok {
		writeJSON(w, http.StatusOK, voteStatusResponse{HaveVoted: voted})
		return
	}

	voted, err := s.store.HasVoted(r.Context(), claims.AccountID, electionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	if voted {
		s.cacheVoteStatus(r.Context(), claims.AccountID, electionID)
	}
	writeJSON(w, http.StatusOK, voteStatusResponse{HaveVoted: voted})
}

// Only positive flags are cached: ballots are append-only, so "have voted" can
// never flip back to false except through a cascade delete, which the TTL
// absorbs.
func (s *Server) cacheVoteStatus(ctx context.Context, voterID, electionID string) {
	if s.redis == nil {
		return
	}
	_ = s.redis.Set(ctx, voteStatusKey(voterID, electionID), "1", s.cfg.VoteStatusCacheTTL).Err()
	if electionID != "" {
		_ = s.redis.Set(ctx, voteStatusKey(voterID, ""), "1", s.cfg.VoteStatusCacheTTL).Err()
	}
}

func (s *Server) cachedVoteStatus(ctx context.Context, voterID, electionID string) (bool, bool) {
	if s.redis == nil {
		return false, false
	}
	value, err := s.redis.Get(ctx, voteStatusKey(voterID, electionID)).Result()
	if err == redis.Nil {
		return false, false
	}
	if err != nil {
		return false, false
	}
	return value == "1", true
}

func voteStatusKey(voterID, electionID string) string {
	if electionID == "" {
		return "votes:status:" + voterID
	}
	return "votes:status:" + voterID + ":" + electionID
}

// --- middleware and helpers ---

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing_token")
			return
		}

		claims, err := auth.ParseToken(s.cfg.JWTSecret, token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid_token")
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// require gates a route on the access table; errCode is the 403 body.
func (s *Server) require(resource policy.Resource, op policy.Operation, errCode string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := claimsFromContext(r.Context())
			role := policy.RoleAnonymous
			if claims != nil {
				role = claims.Role
			}
			if !policy.Allowed(resource, op, role) {
				writeError(w, http.StatusForbidden, errCode)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) requireCatalogRead() func(http.Handler) http.Handler {
	return s.require(policy.ResourceCatalog, policy.OpRead, "forbidden")
}

func (s *Server) requireCatalogWrite(op policy.Operation) func(http.Handler) http.Handler {
	return s.require(policy.ResourceCatalog, op, "admin_only")
}

type claimsKey struct{}

func claimsFromContext(ctx context.Context) *auth.Claims {
	value := ctx.Value(claimsKey{})
	claims, _ := value.(*auth.Claims)
	return claims
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func decodeJSON(r *http.Request, out interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	return ""
}

func toAccountResponse(account model.Account) accountResponse {
	return accountResponse{
		ID:        account.ID,
		MatricNo:  account.MatricNo,
		Email:     account.Email,
		FullName:  account.FullName,
		Role:      string(account.Role),
		CreatedOn: account.CreatedAt.Unix(),
	}
}

func toCandidateResponse(candidate model.Candidate) candidateResponse {
	return candidateResponse{
		ID:       candidate.ID,
		Name:     candidate.Name,
		Image:    candidate.ImageURL,
		Position: candidate.PositionID,
		Election: candidate.ElectionID,
	}
}

func toElectionResponse(tree model.ElectionTree) electionResponse {
	resp := electionResponse{
		ID:          tree.ID,
		Title:       tree.Title,
		Description: tree.Description,
		StartDate:   tree.StartDate,
		EndDate:     tree.EndDate,
		Positions:   make([]positionResponse, 0, len(tree.Positions)),
	}
	for _, position := range tree.Positions {
		positionResp := positionResponse{
			ID:         position.ID,
			Name:       position.Name,
			Election:   position.ElectionID,
			Candidates: make([]candidateResponse, 0, len(position.Candidates)),
		}
		for _, candidate := range position.Candidates {
			positionResp.Candidates = append(positionResp.Candidates, toCandidateResponse(candidate))
		}
		resp.Positions = append(resp.Positions, positionResp)
	}
	return resp
}

func toVoteResponse(record repository.VoteRecord) voteResponse {
	voter := record.VoterID
	if record.VoterMatric != nil {
		voter = *record.VoterMatric
	}
	return voteResponse{
		ID:        record.ID,
		Election:  record.ElectionID,
		Position:  record.PositionID,
		Candidate: record.CandidateID,
		Voter:     voter,
		CastAt:    record.CastAt.Unix(),
	}
}
