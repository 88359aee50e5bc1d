package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/paket-core/router/internal/storage/sqlite"
	"github.com/paket-core/router/pkg/delivery"
	"github.com/paket-core/router/pkg/ledger"
	"github.com/paket-core/router/pkg/types"
)

// maxPhotoBytes caps uploaded event photos.
const maxPhotoBytes = 5 << 20

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"status": status, "error": message})
}

// serviceError maps application errors to HTTP statuses.
func (s *Server) serviceError(w http.ResponseWriter, err error) {
	var rejection *ledger.RejectionError
	switch {
	case errors.Is(err, delivery.ErrUnknownPackage), errors.Is(err, sqlite.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, delivery.ErrPackageExists), errors.Is(err, delivery.ErrDuplicateAssignment):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, delivery.ErrUnauthorizedAssignment):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, types.ErrInvalidDeadline), errors.Is(err, types.ErrAmountOverflow):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &rejection):
		writeError(w, http.StatusBadRequest, err.Error())
	case ledger.IsRetryable(err):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// requiredFields fetches mandatory form values, reporting the first
// missing one.
func requiredFields(r *http.Request, names ...string) (map[string]string, error) {
	values := make(map[string]string, len(names))
	for _, name := range names {
		value := r.FormValue(name)
		if value == "" {
			return nil, fmt.Errorf("missing parameter: %s", name)
		}
		values[name] = value
	}
	return values, nil
}

func requiredUint(r *http.Request, name string) (uint64, error) {
	value := r.FormValue(name)
	if value == "" {
		return 0, fmt.Errorf("missing parameter: %s", name)
	}
	parsed, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid parameter %s: %v", name, err)
	}
	return parsed, nil
}

// formPhoto extracts an optional uploaded photo from a multipart form.
func formPhoto(r *http.Request) ([]byte, error) {
	file, _, err := r.FormFile("photo")
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) || errors.Is(err, http.ErrNotMultipart) {
			return nil, nil
		}
		return nil, fmt.Errorf("read photo: %w", err)
	}
	defer file.Close()
	photo, err := io.ReadAll(io.LimitReader(file, maxPhotoBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read photo: %w", err)
	}
	if len(photo) > maxPhotoBytes {
		return nil, errors.New("photo too large")
	}
	return photo, nil
}

func (s *Server) handlePrepareEscrow(w http.ResponseWriter, r *http.Request) {
	fields, err := requiredFields(r, "launcher_pubkey", "courier_pubkey", "recipient_pubkey", "deadline_timestamp")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	payment, err := requiredUint(r, "payment_buls")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	collateral, err := requiredUint(r, "collateral_buls")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	deadline, err := strconv.ParseInt(fields["deadline_timestamp"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid parameter deadline_timestamp")
		return
	}
	photo, err := formPhoto(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// The authenticated caller is the escrow account itself: launching
	// proves control of the account whose sequence slots get claimed.
	pkg, err := s.cfg.Service.Launch(r.Context(), delivery.LaunchParams{
		Contract: types.DeliveryContract{
			EscrowPubkey:    userPubkey(r),
			LauncherPubkey:  fields["launcher_pubkey"],
			CourierPubkey:   fields["courier_pubkey"],
			RecipientPubkey: fields["recipient_pubkey"],
			Payment:         payment,
			Collateral:      collateral,
			Deadline:        deadline,
		},
		LauncherContact:  r.FormValue("launcher_contact"),
		RecipientContact: r.FormValue("recipient_contact"),
		Description:      r.FormValue("description"),
		FromLocation:     r.FormValue("from_location"),
		ToLocation:       r.FormValue("to_location"),
		FromAddress:      r.FormValue("from_address"),
		ToAddress:        r.FormValue("to_address"),
		Location:         r.FormValue("location"),
		Photo:            photo,
	})
	if err != nil {
		s.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"status":              http.StatusCreated,
		"package":             pkg,
		"escrow_transactions": pkg.EscrowTransactions,
	})
}

func (s *Server) eventParams(r *http.Request) (delivery.EventParams, error) {
	photo, err := formPhoto(r)
	if err != nil {
		return delivery.EventParams{}, err
	}
	params := delivery.EventParams{
		EscrowPubkey: r.FormValue("escrow_pubkey"),
		UserPubkey:   userPubkey(r),
		Location:     r.FormValue("location"),
		Photo:        photo,
	}
	if kwargs := r.FormValue("kwargs"); kwargs != "" {
		if !json.Valid([]byte(kwargs)) {
			return delivery.EventParams{}, errors.New("invalid parameter kwargs: not JSON")
		}
		params.Kwargs = json.RawMessage(kwargs)
	}
	return params, nil
}

// eventHandler wraps the shared escrow_pubkey + event form plumbing.
func (s *Server) eventHandler(
	w http.ResponseWriter, r *http.Request,
	do func(*http.Request, delivery.EventParams) (types.Event, error),
) {
	params, err := s.eventParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if params.EscrowPubkey == "" {
		writeError(w, http.StatusBadRequest, "missing parameter: escrow_pubkey")
		return
	}
	evt, err := do(r, params)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": http.StatusOK, "event": evt})
}

func (s *Server) handleAcceptPackage(w http.ResponseWriter, r *http.Request) {
	s.eventHandler(w, r, func(r *http.Request, params delivery.EventParams) (types.Event, error) {
		return s.cfg.Service.Accept(r.Context(), params)
	})
}

func (s *Server) handleConfirmCouriering(w http.ResponseWriter, r *http.Request) {
	s.eventHandler(w, r, func(r *http.Request, params delivery.EventParams) (types.Event, error) {
		return s.cfg.Service.ConfirmCouriering(r.Context(), params)
	})
}

func (s *Server) handleRequestRelay(w http.ResponseWriter, r *http.Request) {
	s.eventHandler(w, r, func(r *http.Request, params delivery.EventParams) (types.Event, error) {
		return s.cfg.Service.RequestRelay(r.Context(), params)
	})
}

func (s *Server) handleAssignXDRs(w http.ResponseWriter, r *http.Request) {
	s.eventHandler(w, r, func(r *http.Request, params delivery.EventParams) (types.Event, error) {
		if len(params.Kwargs) == 0 {
			return types.Event{}, errors.New("missing parameter: kwargs")
		}
		return s.cfg.Service.AssignTransactions(r.Context(), params)
	})
}

func (s *Server) handleChangedLocation(w http.ResponseWriter, r *http.Request) {
	s.eventHandler(w, r, func(r *http.Request, params delivery.EventParams) (types.Event, error) {
		if params.Location == "" {
			return types.Event{}, errors.New("missing parameter: location")
		}
		return s.cfg.Service.ChangedLocation(r.Context(), params)
	})
}

func (s *Server) handleAddEvent(w http.ResponseWriter, r *http.Request) {
	eventType := types.EventType(r.FormValue("event_type"))
	if eventType == "" {
		writeError(w, http.StatusBadRequest, "missing parameter: event_type")
		return
	}
	params, err := s.eventParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	evt, err := s.cfg.Service.AddEvent(r.Context(), eventType, params)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": http.StatusOK, "event": evt})
}

func (s *Server) handlePackage(w http.ResponseWriter, r *http.Request) {
	escrowPubkey := r.FormValue("escrow_pubkey")
	if escrowPubkey == "" {
		writeError(w, http.StatusBadRequest, "missing parameter: escrow_pubkey")
		return
	}

	viewer := r.Header.Get("Pubkey")
	var pkg types.Package
	var err error
	if r.FormValue("check_escrow") == "1" {
		pkg, err = s.cfg.Service.VerifyDeposit(r.Context(), escrowPubkey, viewer)
	} else {
		pkg, err = s.cfg.Service.Package(r.Context(), escrowPubkey, viewer)
	}
	if err != nil {
		s.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": http.StatusOK, "package": pkg})
}

func (s *Server) handleMyPackages(w http.ResponseWriter, r *http.Request) {
	packages, err := s.cfg.Service.MyPackages(r.Context(), userPubkey(r))
	if err != nil {
		s.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": http.StatusOK, "packages": packages})
}

func (s *Server) handleAvailablePackages(w http.ResponseWriter, r *http.Request) {
	location := r.FormValue("location")
	if location == "" {
		writeError(w, http.StatusBadRequest, "missing parameter: location")
		return
	}
	radius := 0.0
	if raw := r.FormValue("radius_km"); raw != "" {
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "invalid parameter radius_km")
			return
		}
		radius = parsed
	}
	packages, err := s.cfg.Service.AvailablePackages(r.Context(), location, radius)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": http.StatusOK, "packages": packages})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	from, err := requiredUint(r, "from_timestamp")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	till, err := requiredUint(r, "till_timestamp")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	events, err := s.cfg.Service.Events(r.Context(),
		time.Unix(int64(from), 0), time.Unix(int64(till), 0))
	if err != nil {
		s.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": http.StatusOK, "events": events})
}

func (s *Server) handlePackagePhoto(w http.ResponseWriter, r *http.Request) {
	var photo []byte
	var err error
	if raw := r.FormValue("photo_id"); raw != "" {
		photoID, parseErr := strconv.ParseInt(raw, 10, 64)
		if parseErr != nil {
			writeError(w, http.StatusBadRequest, "invalid parameter photo_id")
			return
		}
		photo, err = s.cfg.Service.Photo(r.Context(), photoID)
	} else if escrowPubkey := r.FormValue("escrow_pubkey"); escrowPubkey != "" {
		photo, err = s.cfg.Service.PackagePhoto(r.Context(), escrowPubkey)
	} else {
		writeError(w, http.StatusBadRequest, "missing parameter: photo_id or escrow_pubkey")
		return
	}
	if err != nil {
		s.serviceError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(photo)
}

func (s *Server) handleSetNotificationToken(w http.ResponseWriter, r *http.Request) {
	s.notificationToken(w, r, s.cfg.Service.SetNotificationToken)
}

func (s *Server) handleRemoveNotificationToken(w http.ResponseWriter, r *http.Request) {
	s.notificationToken(w, r, s.cfg.Service.RemoveNotificationToken)
}

func (s *Server) notificationToken(
	w http.ResponseWriter, r *http.Request,
	set func(ctx context.Context, userPubkey, token string) error,
) {
	token := r.FormValue("notification_token")
	if token == "" {
		writeError(w, http.StatusBadRequest, "missing parameter: notification_token")
		return
	}
	if err := set(r.Context(), userPubkey(r), token); err != nil {
		s.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": http.StatusOK})
}

func (s *Server) handleSubmitTransaction(w http.ResponseWriter, r *http.Request) {
	envelope := r.FormValue("transaction")
	if envelope == "" {
		writeError(w, http.StatusBadRequest, "missing parameter: transaction")
		return
	}
	result, err := s.cfg.Gateway.Submit(r.Context(), envelope)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": http.StatusOK, "transaction": result})
}

func (s *Server) handleBULAccount(w http.ResponseWriter, r *http.Request) {
	queried := r.FormValue("queried_pubkey")
	if queried == "" {
		writeError(w, http.StatusBadRequest, "missing parameter: queried_pubkey")
		return
	}
	account, err := s.cfg.Ledger.Account(r.Context(), queried)
	if err != nil {
		var seqErr *ledger.SequenceError
		if errors.As(err, &seqErr) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": http.StatusOK, "account": account})
}

func (s *Server) handlePrepareAccount(w http.ResponseWriter, r *http.Request) {
	fields, err := requiredFields(r, "from_pubkey", "new_pubkey")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	startingBalance := uint64(5)
	if raw := r.FormValue("starting_balance"); raw != "" {
		if startingBalance, err = strconv.ParseUint(raw, 10, 64); err != nil {
			writeError(w, http.StatusBadRequest, "invalid parameter starting_balance")
			return
		}
	}
	envelope, err := s.cfg.Composer.PrepareCreateAccount(
		r.Context(), fields["from_pubkey"], fields["new_pubkey"], startingBalance)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": http.StatusOK, "transaction": envelope})
}

func (s *Server) handlePrepareTrust(w http.ResponseWriter, r *http.Request) {
	fromPubkey := r.FormValue("from_pubkey")
	if fromPubkey == "" {
		writeError(w, http.StatusBadRequest, "missing parameter: from_pubkey")
		return
	}
	envelope, err := s.cfg.Composer.PrepareTrust(r.Context(), fromPubkey, r.FormValue("limit"))
	if err != nil {
		s.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": http.StatusOK, "transaction": envelope})
}

func (s *Server) handlePrepareSendBULs(w http.ResponseWriter, r *http.Request) {
	fields, err := requiredFields(r, "from_pubkey", "to_pubkey")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := requiredUint(r, "amount_buls")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	envelope, err := s.cfg.Composer.PrepareSend(
		r.Context(), fields["from_pubkey"], fields["to_pubkey"], amount)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": http.StatusOK, "transaction": envelope})
}

func (s *Server) handleDebugFund(w http.ResponseWriter, r *http.Request) {
	funded := r.FormValue("funded_pubkey")
	if funded == "" {
		writeError(w, http.StatusBadRequest, "missing parameter: funded_pubkey")
		return
	}
	if err := s.cfg.Horizon.FundWithFriendbot(r.Context(), funded); err != nil {
		s.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": http.StatusOK})
}
