package api

import (
	"encoding/hex"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/attestry/registry-api/models"
	"github.com/attestry/registry-api/services"
	"github.com/attestry/registry-api/util"
	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/jonboulle/clockwork"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

const (
	// The pattern for signed request messages: "Registry <op> <ts>".
	requestPattern = `(?i)^Registry ([a-z-]+) ([0-9]{10})$`
	// The maximum age for a signed request to be considered fresh.
	requestMaxAge = time.Duration(15) * time.Minute
)

type apiRouter struct {
	svc           *services.Service
	requestRegexp *regexp.Regexp
	clock         clockwork.Clock
	logger        *zap.Logger
}

// authenticate checks a signed request envelope: the message must name
// the expected operation, be fresh, and carry a valid signature. The
// recovered address is the caller identity.
func (ar *apiRouter) authenticate(op string, req *signedRequest) (models.Identity, error) {
	matches := ar.requestRegexp.FindStringSubmatch(req.Msg)
	if len(matches) != 3 || !strings.EqualFold(matches[1], op) {
		return models.Identity{}, &decodingError{status: http.StatusBadRequest, msg: "invalid request message"}
	}
	tsSecs, err := strconv.ParseInt(matches[2], 10, 64)
	if err != nil {
		return models.Identity{}, &decodingError{status: http.StatusBadRequest, msg: "invalid timestamp"}
	}
	if ar.clock.Now().Sub(time.Unix(tsSecs, 0)) > requestMaxAge {
		return models.Identity{}, &decodingError{status: http.StatusUnauthorized, msg: "request message is too old"}
	}

	sig, err := hex.DecodeString(strings.TrimPrefix(req.Sig, "0x"))
	if err != nil {
		return models.Identity{}, &decodingError{status: http.StatusBadRequest, msg: "invalid signature"}
	}
	caller, err := util.RecoverAddressFromSignature([]byte(req.Msg), sig)
	if err != nil {
		return models.Identity{}, &decodingError{status: http.StatusUnauthorized, msg: "could not recover signer"}
	}
	return *caller, nil
}

func (ar *apiRouter) Issue(w http.ResponseWriter, r *http.Request) error {
	var req IssueRequest
	if err := readJSONRequest(w, r, &req); err != nil {
		return writeJSONError(w, err)
	}

	caller, err := ar.authenticate("issue", &req.signedRequest)
	if err != nil {
		return writeJSONError(w, err)
	}
	identity, err := parseAddress(req.Identity)
	if err != nil {
		return writeJSONError(w, err)
	}
	role, err := models.ParseRole(req.Role)
	if err != nil {
		return writeJSONError(w, &decodingError{status: http.StatusBadRequest, msg: err.Error()})
	}

	ar.logger.Info("Got issue request",
		zap.String("caller", caller.Hex()),
		zap.String("identity", identity.Hex()),
		zap.String("role", role.String()),
	)

	cred, err := ar.svc.IssueWithRetry(
		models.IssuerCapability{Issuer: caller, Generation: req.IssuerGeneration},
		identity, role, &req.Claim)
	if err != nil {
		return writeJSONError(w, err)
	}

	return writeJSONResponse(w, http.StatusCreated, newCredentialResponse(cred), "", "")
}

func (ar *apiRouter) Revoke(w http.ResponseWriter, r *http.Request) error {
	var req RevokeRequest
	if err := readJSONRequest(w, r, &req); err != nil {
		return writeJSONError(w, err)
	}

	caller, err := ar.authenticate("revoke", &req.signedRequest)
	if err != nil {
		return writeJSONError(w, err)
	}
	identity, err := parseAddress(req.Identity)
	if err != nil {
		return writeJSONError(w, err)
	}
	role, err := models.ParseRole(req.Role)
	if err != nil {
		return writeJSONError(w, &decodingError{status: http.StatusBadRequest, msg: err.Error()})
	}

	if err := ar.svc.Revoke(
		models.IssuerCapability{Issuer: caller, Generation: req.IssuerGeneration},
		identity, role, req.Reason); err != nil {
		return writeJSONError(w, err)
	}
	return writeJSONResponse(w, http.StatusOK, nil, "", "")
}

func (ar *apiRouter) Heartbeat(w http.ResponseWriter, r *http.Request) error {
	var req HeartbeatRequest
	if err := readJSONRequest(w, r, &req); err != nil {
		return writeJSONError(w, err)
	}

	// The holder itself is the caller; no one else can heartbeat for it.
	caller, err := ar.authenticate("heartbeat", &req.signedRequest)
	if err != nil {
		return writeJSONError(w, err)
	}
	role, err := models.ParseRole(req.Role)
	if err != nil {
		return writeJSONError(w, &decodingError{status: http.StatusBadRequest, msg: err.Error()})
	}

	if err := ar.svc.Heartbeat(caller, role); err != nil {
		return writeJSONError(w, err)
	}
	return writeJSONResponse(w, http.StatusOK, nil, "", "")
}

// Transfer is rejected unconditionally; the route exists so that the
// rejection is explicit rather than a 404.
func (ar *apiRouter) Transfer(w http.ResponseWriter, r *http.Request) error {
	var req TransferRequest
	if err := readJSONRequest(w, r, &req); err != nil {
		return writeJSONError(w, err)
	}
	from, err := parseAddress(req.From)
	if err != nil {
		return writeJSONError(w, err)
	}
	to, err := parseAddress(req.To)
	if err != nil {
		return writeJSONError(w, err)
	}
	role, err := models.ParseRole(req.Role)
	if err != nil {
		return writeJSONError(w, &decodingError{status: http.StatusBadRequest, msg: err.Error()})
	}
	return writeJSONError(w, ar.svc.Transfer(from, to, role))
}

func (ar *apiRouter) HasRole(w http.ResponseWriter, r *http.Request) error {
	vars := mux.Vars(r)
	identity, err := parseAddress(vars["identity"])
	if err != nil {
		return writeJSONError(w, err)
	}
	role, err := models.ParseRole(vars["role"])
	if err != nil {
		return writeJSONError(w, &decodingError{status: http.StatusBadRequest, msg: err.Error()})
	}

	has, err := ar.svc.HasRole(identity, role)
	if err != nil {
		return writeJSONError(w, err)
	}
	return writeJSONResponse(w, http.StatusOK, HasRoleResponse{HasRole: has}, "", "")
}

func (ar *apiRouter) CredentialByToken(w http.ResponseWriter, r *http.Request) error {
	raw := mux.Vars(r)["tokenId"]
	if !strings.HasPrefix(raw, "0x") || len(raw) != 66 {
		return writeJSONError(w, &decodingError{status: http.StatusBadRequest, msg: "invalid token ID"})
	}
	cred, err := ar.svc.CredentialByToken(common.HexToHash(raw))
	if err != nil {
		return writeJSONError(w, err)
	}
	return writeJSONResponse(w, http.StatusOK, newCredentialResponse(cred), "", "")
}

func (ar *apiRouter) Weight(w http.ResponseWriter, r *http.Request) error {
	identity, err := parseAddress(mux.Vars(r)["identity"])
	if err != nil {
		return writeJSONError(w, err)
	}

	if topicsParam := r.URL.Query().Get("topics"); topicsParam != "" {
		topics, err := strconv.ParseUint(topicsParam, 10, 64)
		if err != nil {
			return writeJSONError(w, &decodingError{status: http.StatusBadRequest, msg: "invalid topics mask"})
		}
		ww, err := ar.svc.WeightOfForTopic(identity, models.TopicMask(topics))
		if err != nil {
			return writeJSONError(w, err)
		}
		return writeJSONResponse(w, http.StatusOK, WeightResponse{WeightWad: ww}, "", "")
	}

	ww, err := ar.svc.WeightOf(identity)
	if err != nil {
		return writeJSONError(w, err)
	}
	return writeJSONResponse(w, http.StatusOK, WeightResponse{WeightWad: ww}, "", "")
}

func (ar *apiRouter) Events(w http.ResponseWriter, r *http.Request) error {
	identity, err := parseAddress(mux.Vars(r)["identity"])
	if err != nil {
		return writeJSONError(w, err)
	}

	events, err := ar.svc.Events(identity)
	if err != nil {
		return writeJSONError(w, err)
	}
	resp := EventsResponse{Events: make([]EventResponse, 0, len(events))}
	for _, e := range events {
		resp.Events = append(resp.Events, EventResponse{
			Seq:       e.Seq,
			Timestamp: e.Timestamp.Unix(),
			Type:      e.Type.String(),
			Role:      e.Role.String(),
			Detail:    e.Detail,
		})
	}
	return writeJSONResponse(w, http.StatusOK, resp, "", "")
}

func (ar *apiRouter) GetIssuer(w http.ResponseWriter, r *http.Request) error {
	id, err := parseAddress(mux.Vars(r)["issuer"])
	if err != nil {
		return writeJSONError(w, err)
	}
	issuer, err := ar.svc.GetIssuer(id)
	if err != nil {
		return writeJSONError(w, err)
	}
	return writeJSONResponse(w, http.StatusOK, IssuerResponse{
		Issuer:     issuer.ID.Hex(),
		Active:     issuer.Active,
		Generation: issuer.Generation,
	}, "", "")
}

func (ar *apiRouter) SetRoleWeight(w http.ResponseWriter, r *http.Request) error {
	var req RoleWeightRequest
	if err := readJSONRequest(w, r, &req); err != nil {
		return writeJSONError(w, err)
	}
	caller, err := ar.authenticate("admin", &req.signedRequest)
	if err != nil {
		return writeJSONError(w, err)
	}
	role, err := models.ParseRole(req.Role)
	if err != nil {
		return writeJSONError(w, &decodingError{status: http.StatusBadRequest, msg: err.Error()})
	}
	if err := ar.svc.SetRoleWeight(caller, role, req.WeightWad); err != nil {
		return writeJSONError(w, err)
	}
	return writeJSONResponse(w, http.StatusOK, nil, "", "")
}

func (ar *apiRouter) SetTopicMask(w http.ResponseWriter, r *http.Request) error {
	var req TopicMaskRequest
	if err := readJSONRequest(w, r, &req); err != nil {
		return writeJSONError(w, err)
	}
	caller, err := ar.authenticate("admin", &req.signedRequest)
	if err != nil {
		return writeJSONError(w, err)
	}
	role, err := models.ParseRole(req.Role)
	if err != nil {
		return writeJSONError(w, &decodingError{status: http.StatusBadRequest, msg: err.Error()})
	}
	if err := ar.svc.SetTopicMask(caller, role, models.TopicMask(req.TopicMask)); err != nil {
		return writeJSONError(w, err)
	}
	return writeJSONResponse(w, http.StatusOK, nil, "", "")
}

func (ar *apiRouter) issuerMutation(w http.ResponseWriter, r *http.Request, apply func(caller, issuer models.Identity) error) error {
	var req IssuerRequest
	if err := readJSONRequest(w, r, &req); err != nil {
		return writeJSONError(w, err)
	}
	caller, err := ar.authenticate("admin", &req.signedRequest)
	if err != nil {
		return writeJSONError(w, err)
	}
	issuer, err := parseAddress(req.Issuer)
	if err != nil {
		return writeJSONError(w, err)
	}
	if err := apply(caller, issuer); err != nil {
		return writeJSONError(w, err)
	}
	return writeJSONResponse(w, http.StatusOK, nil, "", "")
}

func (ar *apiRouter) AddIssuer(w http.ResponseWriter, r *http.Request) error {
	return ar.issuerMutation(w, r, ar.svc.AddIssuer)
}

func (ar *apiRouter) RemoveIssuer(w http.ResponseWriter, r *http.Request) error {
	return ar.issuerMutation(w, r, ar.svc.RemoveIssuer)
}

func (ar *apiRouter) SetConfig(w http.ResponseWriter, r *http.Request) error {
	var req ConfigRequest
	if err := readJSONRequest(w, r, &req); err != nil {
		return writeJSONError(w, err)
	}
	caller, err := ar.authenticate("admin", &req.signedRequest)
	if err != nil {
		return writeJSONError(w, err)
	}
	if err := ar.svc.SetConfig(caller, req.Key, req.Value); err != nil {
		return writeJSONError(w, err)
	}
	return writeJSONResponse(w, http.StatusOK, nil, "", "")
}

func (ar *apiRouter) pauseMutation(w http.ResponseWriter, r *http.Request, apply func(models.Identity) error) error {
	var req PauseRequest
	if err := readJSONRequest(w, r, &req); err != nil {
		return writeJSONError(w, err)
	}
	caller, err := ar.authenticate("admin", &req.signedRequest)
	if err != nil {
		return writeJSONError(w, err)
	}
	if err := apply(caller); err != nil {
		return writeJSONError(w, err)
	}
	return writeJSONResponse(w, http.StatusOK, nil, "", "")
}

func (ar *apiRouter) Pause(w http.ResponseWriter, r *http.Request) error {
	return ar.pauseMutation(w, r, ar.svc.Pause)
}

func (ar *apiRouter) Unpause(w http.ResponseWriter, r *http.Request) error {
	return ar.pauseMutation(w, r, ar.svc.Unpause)
}

// Wrapper to log unhandled errors. Only last-resort errors end up here,
// e.g. a response that could not be written to the client.
func (ar *apiRouter) wrapHandler(h func(w http.ResponseWriter, r *http.Request) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := h(w, r); err != nil {
			ar.logger.Error("Error handling request", zap.Error(err))
		}
	}
}

// FreshnessMessage builds the message a caller must sign for an
// operation, for clients and tests.
func FreshnessMessage(op string, now time.Time) string {
	return fmt.Sprintf("Registry %s %d", op, now.Unix())
}

func NewAPIRouter(path string, svc *services.Service, origins []string, clock clockwork.Clock, logger *zap.Logger) *mux.Router {
	ah := &apiRouter{
		svc:           svc,
		requestRegexp: regexp.MustCompile(requestPattern),
		clock:         clock,
		logger:        logger,
	}
	r := mux.NewRouter()
	sr := r.PathPrefix(path).Subrouter()

	sr.HandleFunc("/credentials", ah.wrapHandler(ah.Issue)).Methods("POST")
	sr.HandleFunc("/credentials/revoke", ah.wrapHandler(ah.Revoke)).Methods("POST")
	sr.HandleFunc("/credentials/transfer", ah.wrapHandler(ah.Transfer)).Methods("POST")
	sr.HandleFunc("/credentials/{tokenId}", ah.wrapHandler(ah.CredentialByToken)).Methods("GET")
	sr.HandleFunc("/heartbeat", ah.wrapHandler(ah.Heartbeat)).Methods("POST")
	sr.HandleFunc("/roles/{identity}/{role}", ah.wrapHandler(ah.HasRole)).Methods("GET")
	sr.HandleFunc("/weight/{identity}", ah.wrapHandler(ah.Weight)).Methods("GET")
	sr.HandleFunc("/events/{identity}", ah.wrapHandler(ah.Events)).Methods("GET")
	sr.HandleFunc("/issuers/{issuer}", ah.wrapHandler(ah.GetIssuer)).Methods("GET")

	sr.HandleFunc("/admin/role-weight", ah.wrapHandler(ah.SetRoleWeight)).Methods("POST")
	sr.HandleFunc("/admin/topic-mask", ah.wrapHandler(ah.SetTopicMask)).Methods("POST")
	sr.HandleFunc("/admin/issuers/add", ah.wrapHandler(ah.AddIssuer)).Methods("POST")
	sr.HandleFunc("/admin/issuers/remove", ah.wrapHandler(ah.RemoveIssuer)).Methods("POST")
	sr.HandleFunc("/admin/config", ah.wrapHandler(ah.SetConfig)).Methods("POST")
	sr.HandleFunc("/admin/pause", ah.wrapHandler(ah.Pause)).Methods("POST")
	sr.HandleFunc("/admin/unpause", ah.wrapHandler(ah.Unpause)).Methods("POST")

	allowedMethods := []string{"GET", "POST", "OPTIONS"}
	ch := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   allowedMethods,
		ExposedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: false,
		Debug:            logger.Level() == zap.DebugLevel,
	})
	sr.Use(ch.Handler)

	return r
}
