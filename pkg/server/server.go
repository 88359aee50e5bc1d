// Package server exposes the router's HTTP API. All routes are form
// encoded POSTs under a versioned prefix, mirroring the mobile clients'
// expectations.
package server

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// APIVersion prefixes every route.
const APIVersion = "v3"

const defaultAuthWindowSeconds = 300

// Server routes HTTP requests to the delivery service and wallet
// helpers.
type Server struct {
	cfg    *Config
	logger *slog.Logger
}

// New builds a Server from options. The delivery service is required;
// wallet routes are only mounted when a composer is configured.
func New(opts ...Option) (*Server, error) {
	cfg := applyOptions(opts...)
	if cfg.Service == nil {
		return nil, errors.New("delivery service is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.AuthWindow == 0 {
		cfg.AuthWindow = defaultAuthWindowSeconds
	}
	return &Server{cfg: cfg, logger: cfg.Logger}, nil
}

// Routes builds the full route table.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	authed := func(h http.HandlerFunc) http.HandlerFunc {
		return s.instrument(s.requireAuth(h))
	}
	open := func(h http.HandlerFunc) http.HandlerFunc {
		return s.instrument(h)
	}

	// Package routes.
	mux.HandleFunc("POST /"+APIVersion+"/prepare_escrow", authed(s.handlePrepareEscrow))
	mux.HandleFunc("POST /"+APIVersion+"/accept_package", authed(s.handleAcceptPackage))
	mux.HandleFunc("POST /"+APIVersion+"/confirm_couriering", authed(s.handleConfirmCouriering))
	mux.HandleFunc("POST /"+APIVersion+"/request_relay", authed(s.handleRequestRelay))
	mux.HandleFunc("POST /"+APIVersion+"/assign_xdrs", authed(s.handleAssignXDRs))
	mux.HandleFunc("POST /"+APIVersion+"/changed_location", authed(s.handleChangedLocation))
	mux.HandleFunc("POST /"+APIVersion+"/add_event", authed(s.handleAddEvent))
	mux.HandleFunc("POST /"+APIVersion+"/my_packages", authed(s.handleMyPackages))
	mux.HandleFunc("POST /"+APIVersion+"/package", open(s.handlePackage))
	mux.HandleFunc("POST /"+APIVersion+"/available_packages", open(s.handleAvailablePackages))
	mux.HandleFunc("POST /"+APIVersion+"/events", open(s.handleEvents))
	mux.HandleFunc("POST /"+APIVersion+"/package_photo", open(s.handlePackagePhoto))
	mux.HandleFunc("POST /"+APIVersion+"/set_notification_token", authed(s.handleSetNotificationToken))
	mux.HandleFunc("POST /"+APIVersion+"/remove_notification_token", authed(s.handleRemoveNotificationToken))

	// Wallet routes.
	if s.cfg.Gateway != nil {
		mux.HandleFunc("POST /"+APIVersion+"/submit_transaction", open(s.handleSubmitTransaction))
	}
	if s.cfg.Ledger != nil {
		mux.HandleFunc("POST /"+APIVersion+"/bul_account", open(s.handleBULAccount))
	}
	if s.cfg.Composer != nil {
		mux.HandleFunc("POST /"+APIVersion+"/prepare_account", open(s.handlePrepareAccount))
		mux.HandleFunc("POST /"+APIVersion+"/prepare_trust", open(s.handlePrepareTrust))
		mux.HandleFunc("POST /"+APIVersion+"/prepare_send_buls", open(s.handlePrepareSendBULs))
	}

	// Debug routes.
	if s.cfg.Debug && s.cfg.Horizon != nil {
		mux.HandleFunc("POST /"+APIVersion+"/debug/fund", open(s.handleDebugFund))
	}

	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}
