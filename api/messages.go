package api

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"

	"github.com/attestry/registry-api/attestation"
	"github.com/attestry/registry-api/models"
	"github.com/attestry/registry-api/services"
	"github.com/attestry/registry-api/wad"
	"github.com/ethereum/go-ethereum/common"
)

type response struct {
	Data  interface{} `json:"data,omitempty"`
	Error string      `json:"error,omitempty"`
	// Code distinguishes "retry later" rejections (rate_limited,
	// paused) from permanent ones.
	Code string `json:"code,omitempty"`
}

type decodingError struct {
	status int
	msg    string
}

func (de *decodingError) Error() string {
	return de.msg
}

// signedRequest is the envelope on every mutating call: a freshness
// message of the form "Registry <op> <unix-ts>" and its eth_sign
// signature. The recovered address is the caller.
type signedRequest struct {
	Msg string `json:"msg"`
	Sig string `json:"sig"`
}

type IssueRequest struct {
	signedRequest
	Identity string `json:"identity"`
	Role     string `json:"role"`
	// IssuerGeneration must match the caller's current issuer record.
	IssuerGeneration uint64            `json:"issuerGeneration"`
	Claim            attestation.Claim `json:"claim"`
}

type RevokeRequest struct {
	signedRequest
	Identity         string `json:"identity"`
	Role             string `json:"role"`
	Reason           string `json:"reason"`
	IssuerGeneration uint64 `json:"issuerGeneration"`
}

type HeartbeatRequest struct {
	signedRequest
	Role string `json:"role"`
}

type TransferRequest struct {
	signedRequest
	From string `json:"from"`
	To   string `json:"to"`
	Role string `json:"role"`
}

type RoleWeightRequest struct {
	signedRequest
	Role      string  `json:"role"`
	WeightWad wad.Wad `json:"weightWad"`
}

type TopicMaskRequest struct {
	signedRequest
	Role      string `json:"role"`
	TopicMask uint64 `json:"topicMask"`
}

type IssuerRequest struct {
	signedRequest
	Issuer string `json:"issuer"`
}

type ConfigRequest struct {
	signedRequest
	Key   string `json:"key"`
	Value string `json:"value"`
}

type PauseRequest struct {
	signedRequest
}

type CredentialResponse struct {
	TokenID      string  `json:"tokenId"`
	Identity     string  `json:"identity"`
	Role         string  `json:"role"`
	WeightWad    wad.Wad `json:"weightWad"`
	ExpiresAt    int64   `json:"expiresAt"`
	LastActivity int64   `json:"lastActivity"`
	Active       bool    `json:"active"`
	Version      uint64  `json:"version"`
	URI          string  `json:"uri,omitempty"`
	EvidenceHash string  `json:"evidenceHash"`
	Issuer       string  `json:"issuer"`
}

func newCredentialResponse(c *models.Credential) CredentialResponse {
	return CredentialResponse{
		TokenID:      c.TokenID.Hex(),
		Identity:     c.Identity.Hex(),
		Role:         c.Role.String(),
		WeightWad:    c.WeightWad,
		ExpiresAt:    c.ExpiresAt.Unix(),
		LastActivity: c.LastActivity.Unix(),
		Active:       c.Active,
		Version:      c.Version,
		URI:          c.URI,
		EvidenceHash: c.EvidenceHash.Hex(),
		Issuer:       c.Issuer.Hex(),
	}
}

type HasRoleResponse struct {
	HasRole bool `json:"hasRole"`
}

type RoleResponse struct {
	Role string `json:"role"`
}

type WeightResponse struct {
	WeightWad wad.Wad `json:"weightWad"`
}

type IssuerResponse struct {
	Issuer     string `json:"issuer"`
	Active     bool   `json:"active"`
	Generation uint64 `json:"generation"`
}

type EventsResponse struct {
	Events []EventResponse `json:"events"`
}

type EventResponse struct {
	Seq       int64  `json:"seq"`
	Timestamp int64  `json:"timestamp"`
	Type      string `json:"type"`
	Role      string `json:"role"`
	Detail    string `json:"detail,omitempty"`
}

func parseAddress(s string) (models.Identity, error) {
	if !common.IsHexAddress(s) {
		return models.Identity{}, &decodingError{status: http.StatusBadRequest, msg: "invalid address"}
	}
	return common.HexToAddress(s), nil
}

func readJSONRequest(w http.ResponseWriter, r *http.Request, req interface{}) error {
	contentType := r.Header.Get("Content-Type")
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || mediaType != "application/json" {
		const msg = "Content-Type is not application/json"
		return &decodingError{status: http.StatusUnsupportedMediaType, msg: msg}
	}

	// Attestation claims fit comfortably within 16 KB.
	r.Body = http.MaxBytesReader(w, r.Body, 16384)

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	err = dec.Decode(&req)
	if err != nil || dec.Decode(&struct{}{}) != io.EOF {
		const msg = "invalid or multiple JSON objects in request body"
		return &decodingError{status: http.StatusBadRequest, msg: msg}
	}

	return nil
}

func writeJSONResponse(w http.ResponseWriter, code int, data interface{}, errMsg, errCode string) error {
	resp, merr := json.Marshal(response{Data: data, Error: errMsg, Code: errCode})
	if merr != nil {
		return merr
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, e := w.Write(resp)
	return e
}

// coded is implemented by every service error type.
type coded interface {
	Code() string
}

func writeJSONError(w http.ResponseWriter, err error) error {
	var code string
	var c coded
	if errors.As(err, &c) {
		code = c.Code()
	}

	var de *decodingError
	switch {
	case errors.As(err, &de):
		return writeJSONResponse(w, de.status, nil, de.msg, "bad_request")
	case errors.Is(err, &services.ValidationError{}),
		errors.Is(err, &services.UnsafeExpiryError{}):
		return writeJSONResponse(w, http.StatusBadRequest, nil, err.Error(), code)
	case errors.Is(err, &services.NotIssuerError{}),
		errors.Is(err, &services.NotAdminError{}),
		errors.Is(err, &services.NotOwnerOrIssuerError{}):
		return writeJSONResponse(w, http.StatusForbidden, nil, err.Error(), code)
	case errors.Is(err, &services.AlreadyConsumedError{}),
		errors.Is(err, &services.RoleCapExceededError{}):
		return writeJSONResponse(w, http.StatusConflict, nil, err.Error(), code)
	case errors.Is(err, &services.RateLimitedError{}):
		return writeJSONResponse(w, http.StatusTooManyRequests, nil, err.Error(), code)
	case errors.Is(err, &services.NotFoundError{}):
		return writeJSONResponse(w, http.StatusNotFound, nil, err.Error(), code)
	case errors.Is(err, &services.ExpiredError{}):
		return writeJSONResponse(w, http.StatusGone, nil, err.Error(), code)
	case errors.Is(err, &services.PausedError{}):
		w.Header().Set("Retry-After", "60")
		return writeJSONResponse(w, http.StatusServiceUnavailable, nil, err.Error(), code)
	case errors.Is(err, &services.TransferDisabledError{}):
		return writeJSONResponse(w, http.StatusMethodNotAllowed, nil, err.Error(), code)
	default:
		return writeJSONResponse(w, http.StatusInternalServerError, nil, "internal server error", "internal")
	}
}
