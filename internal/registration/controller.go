package registration

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/gcdcore/agent/internal/command"
	"github.com/gcdcore/agent/internal/errs"
	"github.com/gcdcore/agent/internal/state"
	"github.com/gcdcore/agent/internal/transport"
)

// Logger defines the logging interface the Controller accepts, matching the
// minimal interface convention used across internal/. Nothing under this
// package ever logs AccessToken, RefreshToken, ClientSecret, or
// RobotAccount values (spec.md §5: "OAuth tokens are process-internal;
// never log them").
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// tokenSkew is the safety margin subtracted from AccessTokenExpiresAt when
// deciding whether a cached token is still usable (spec.md §4.4).
const tokenSkew = 30 * time.Second

// Options configures a Controller.
type Options struct {
	DefaultPollInterval time.Duration
	PushInterval        time.Duration
	HTTPTimeout         time.Duration

	// FinalizeMaxAttempts/FinalizeRetryInterval bound the indefinite-retry
	// finalize loop the original performs (spec.md §9 design notes: "the
	// spec mandates >=30 tries with >=1s spacing before giving up with
	// registration/ticket_not_approved").
	FinalizeMaxAttempts   int
	FinalizeRetryInterval time.Duration

	// DefaultOAuthURL/DefaultServiceURL seed StartRegistration's oauth_url/
	// service_url parameters when a caller omits them, so an operator
	// pointing at the stock cloud service does not have to pass the same
	// two URLs on every handshake.
	DefaultOAuthURL   string
	DefaultServiceURL string
}

func (o *Options) setDefaults() {
	if o.DefaultPollInterval <= 0 {
		o.DefaultPollInterval = 7 * time.Second
	}
	if o.PushInterval <= 0 {
		o.PushInterval = 10 * time.Second
	}
	if o.HTTPTimeout <= 0 {
		o.HTTPTimeout = 30 * time.Second
	}
	if o.FinalizeMaxAttempts <= 0 {
		o.FinalizeMaxAttempts = 30
	}
	if o.FinalizeRetryInterval <= 0 {
		o.FinalizeRetryInterval = time.Second
	}
}

// Controller is the Registration / Sync Controller (spec.md §4.4): it owns
// the DeviceRegistration record, drives the OAuth lifecycle, and runs the
// poll/push loops once connected.
type Controller struct {
	configStore transport.ConfigStore
	httpClient  transport.HttpClient
	runner      transport.TaskRunner
	commands    *command.Manager
	stateMgr    *state.Manager
	logger      Logger
	clock       func() time.Time
	opts        Options

	mu  sync.Mutex
	reg *Registration

	state *stateObservers

	refreshGroup   singleflight.Group
	refreshBackoff backoff
	pollBackoff    backoff
	pushBackoff    backoff
}

// New creates a Controller. logger may be nil for a no-op logger. stateMgr
// may be nil for callers that never run PushState (e.g. unit tests
// exercising only the handshake).
func New(configStore transport.ConfigStore, httpClient transport.HttpClient, runner transport.TaskRunner, commands *command.Manager, stateMgr *state.Manager, logger Logger, opts Options) *Controller {
	opts.setDefaults()
	if logger == nil {
		logger = noopLogger{}
	}
	return &Controller{
		configStore: configStore,
		httpClient:  httpClient,
		runner:      runner,
		commands:    commands,
		stateMgr:    stateMgr,
		logger:      logger,
		clock:       time.Now,
		opts:        opts,
		reg:         &Registration{Extra: map[string]json.RawMessage{}},
		state:       &stateObservers{current: GcdStateUnconfigured},
	}
}

// Load reads the persisted registration record, if any, and sets the
// initial GcdState: Unconfigured if no record (or an incomplete one) is on
// disk, Connecting otherwise pending a token refresh (spec.md §4.4).
func (c *Controller) Load() error {
	raw, err := c.configStore.LoadSettings()
	if err != nil {
		return err
	}
	if raw == "" {
		c.state.set(GcdStateUnconfigured)
		return nil
	}

	reg, err := FromJSON([]byte(raw))
	if err != nil {
		return errs.Wrap(err, errs.DomainFileSystem, "file_read_error", "parsing persisted registration record")
	}

	c.mu.Lock()
	c.reg = reg
	c.mu.Unlock()

	if !reg.IsComplete() {
		c.state.set(GcdStateUnconfigured)
		return nil
	}
	c.state.set(GcdStateConnecting)
	return nil
}

// GcdState returns the controller's current lifecycle state.
func (c *Controller) GcdState() GcdState {
	return c.state.get()
}

// AddOnGcdStateChangedCallback subscribes cb, which fires immediately with
// the current state and again on every subsequent transition.
func (c *Controller) AddOnGcdStateChangedCallback(cb func(GcdState)) {
	c.state.subscribe(cb)
}

// Status is a read-only snapshot of the registration record safe to expose
// to local clients: no secrets, no tokens, just enough to answer "is this
// device registered and when does its access token expire".
type Status struct {
	DeviceID             string
	GcdState             string
	AccessTokenExpiresAt string
}

// Status returns the controller's current Status.
func (c *Controller) Status() Status {
	reg := c.snapshot()
	return Status{
		DeviceID:             reg.DeviceID,
		GcdState:             c.GcdState().String(),
		AccessTokenExpiresAt: formatExpiry(reg.AccessTokenExpiresAt),
	}
}

func (c *Controller) persistLocked() error {
	data, err := c.reg.ToJSON()
	if err != nil {
		return err
	}
	if err := c.configStore.SaveSettings(string(data)); err != nil {
		return errs.Wrap(err, errs.DomainFileSystem, "file_write_error", "persisting registration record")
	}
	return nil
}

func (c *Controller) snapshot() Registration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return *c.reg
}

// AccessToken returns a usable access token, refreshing it first if it is
// absent or within tokenSkew of expiry. Concurrent callers whose tokens are
// expired share exactly one in-flight /token request (spec.md §5/§8:
// "token refresh singleflight"). Once GcdState has moved to Invalid — the
// credentials themselves were revoked, not merely expired — every
// subsequent call fails fast rather than re-attempting a refresh that can
// only fail again (spec.md §4.4 scenario 5: "subsequent cloud calls fail
// fast").
func (c *Controller) AccessToken(ctx context.Context) (string, error) {
	if c.GcdState() == GcdStateInvalid {
		return "", errs.New(errs.DomainOAuth, "invalid_grant", "registration is invalid; re-registration is required")
	}

	reg := c.snapshot()
	if reg.AccessToken != "" && c.clock().Before(reg.AccessTokenExpiresAt.Add(-tokenSkew)) {
		return reg.AccessToken, nil
	}

	v, err, _ := c.refreshGroup.Do("refresh", func() (any, error) {
		return c.refreshAccessToken(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// AuthorizationHeader returns the value for the HTTP Authorization header
// to use on every cloud call. The literal scheme is "OAuth", not "Bearer",
// preserving the existing server's expectation (spec.md §4.4, decided open
// question 1; original_source/buffet/device_registration_info.cc
// BuildAuthHeader(/*"Bearer"*/"OAuth", access_token_)).
func (c *Controller) AuthorizationHeader(ctx context.Context) (string, error) {
	token, err := c.AccessToken(ctx)
	if err != nil {
		return "", err
	}
	return "OAuth " + token, nil
}

func (c *Controller) refreshAccessToken(ctx context.Context) (string, error) {
	reg := c.snapshot()

	resp, err := c.doSync(ctx, "POST", buildURL(reg.OAuthURL, "token", nil), formHeaders(), encodeForm(map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": reg.RefreshToken,
		"client_id":     reg.ClientID,
		"client_secret": reg.ClientSecret,
	}))
	if err != nil {
		return "", errs.Wrap(err, errs.DomainHTTP, "connection_error", "refreshing access token")
	}

	if resp.Status >= 400 {
		code, invalidateErr := classifyOAuthError(resp.Body)
		if invalidateErr {
			c.state.set(GcdStateInvalid)
		} else {
			c.state.set(GcdStateConnecting)
		}
		return "", errs.Newf(errs.DomainOAuth, code, "access token refresh failed with HTTP %d", resp.Status)
	}

	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(resp.Body, &body); err != nil || body.AccessToken == "" || body.ExpiresIn <= 0 {
		return "", errs.New(errs.DomainOAuth, "invalid_response", "token endpoint returned no usable access token")
	}

	c.mu.Lock()
	c.reg.AccessToken = body.AccessToken
	c.reg.AccessTokenExpiresAt = c.clock().Add(time.Duration(body.ExpiresIn) * time.Second)
	persistErr := c.persistLocked()
	c.mu.Unlock()
	if persistErr != nil {
		c.logger.Warn("failed to persist refreshed access token", "error", persistErr)
	}

	c.state.set(GcdStateConnected)
	c.refreshBackoff.reset()
	return body.AccessToken, nil
}

// classifyOAuthError extracts the server's error code and reports whether
// it indicates revoked credentials (invalid_grant), which moves GcdState to
// Invalid rather than Connecting (spec.md §4.4).
func classifyOAuthError(body []byte) (code string, invalidates bool) {
	var parsed struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil || parsed.Error == "" {
		return "unknown_error", false
	}
	return parsed.Error, parsed.Error == "invalid_grant"
}

// StartRegistration begins the handshake (spec.md §4.4 step 1-4): merges
// params into the in-memory record, requests a registration ticket, and
// returns the ticket id plus the user-facing authorization URL.
func (c *Controller) StartRegistration(ctx context.Context, params map[string]string) (ticketID, authURL string, err error) {
	params = c.applyRegistrationDefaults(params)
	if missing := missingStartRegistrationParam(params); missing != "" {
		return "", "", errs.Newf(errs.DomainRegistration, "parameter_missing", "missing required parameter %q", missing)
	}

	c.mu.Lock()
	c.reg.ClientID = params["client_id"]
	c.reg.ClientSecret = params["client_secret"]
	c.reg.ApiKey = params["api_key"]
	c.reg.DeviceKind = params["device_kind"]
	c.reg.SystemName = params["system_name"]
	c.reg.DisplayName = params["display_name"]
	c.reg.OAuthURL = params["oauth_url"]
	c.reg.ServiceURL = params["service_url"]
	reg := *c.reg
	c.mu.Unlock()

	body, err := json.Marshal(buildDeviceDraft(reg, c.commands))
	if err != nil {
		return "", "", errs.Wrap(err, errs.DomainJSON, "parse_error", "encoding device draft")
	}

	resp, err := c.doSync(ctx, "POST", buildURL(reg.ServiceURL, "registrationTickets", url.Values{"key": {reg.ApiKey}}), jsonHeaders(), body)
	if err != nil {
		return "", "", errs.Wrap(err, errs.DomainHTTP, "connection_error", "creating registration ticket")
	}
	if resp.Status >= 400 {
		return "", "", errs.Newf(errs.DomainRegistration, "ticket_not_found", "registration ticket request failed with HTTP %d", resp.Status)
	}

	var ticketResp struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(resp.Body, &ticketResp); err != nil || ticketResp.ID == "" {
		return "", "", errs.New(errs.DomainRegistration, "ticket_not_found", "registration response carried no ticket id")
	}

	c.mu.Lock()
	c.reg.TicketID = ticketResp.ID
	c.mu.Unlock()

	authURL = buildURL(reg.OAuthURL, "auth", url.Values{
		"scope":         {"https://www.googleapis.com/auth/clouddevices"},
		"redirect_uri":  {"urn:ietf:wg:oauth:2.0:oob"},
		"response_type": {"code"},
		"client_id":     {reg.ClientID},
	})
	return ticketResp.ID, authURL, nil
}

// applyRegistrationDefaults returns a copy of params with oauth_url/
// service_url filled from Options' configured defaults wherever the caller
// left them blank.
func (c *Controller) applyRegistrationDefaults(params map[string]string) map[string]string {
	merged := make(map[string]string, len(params))
	for k, v := range params {
		merged[k] = v
	}
	if merged["oauth_url"] == "" {
		merged["oauth_url"] = c.opts.DefaultOAuthURL
	}
	if merged["service_url"] == "" {
		merged["service_url"] = c.opts.DefaultServiceURL
	}
	return merged
}

// buildDeviceDraft mirrors the request body
// DeviceRegistrationInfo::StartRegistration builds: oauthClientId plus a
// deviceDraft carrying the device kind/name/channel and the device's
// vendor command list: every qualified name in its command dictionary.
func buildDeviceDraft(reg Registration, commands *command.Manager) map[string]any {
	draft := map[string]any{
		"oauthClientId": reg.ClientID,
		"deviceDraft": map[string]any{
			"deviceKind":  reg.DeviceKind,
			"systemName":  reg.SystemName,
			"displayName": reg.DisplayName,
			"channel": map[string]any{
				"supportedType": "xmpp",
			},
			"commands": map[string]any{
				"base": map[string]any{
					"vendorCommands": vendorCommandNames(commands),
				},
			},
		},
	}
	return draft
}

func vendorCommandNames(commands *command.Manager) []string {
	if commands == nil {
		return nil
	}
	names := commands.Names()
	sortStrings(names)
	return names
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// FinishRegistration completes the handshake (spec.md §4.4 step 5-8).
func (c *Controller) FinishRegistration(ctx context.Context, userAuthCode string) error {
	reg := c.snapshot()
	if reg.TicketID == "" {
		return errs.New(errs.DomainRegistration, "ticket_not_found", "finish registration called without an active ticket")
	}

	ticketURL := buildURL(reg.ServiceURL, "registrationTickets/"+reg.TicketID, nil)

	if userAuthCode != "" {
		if err := c.bindUserEmail(ctx, reg, ticketURL, userAuthCode); err != nil {
			return err
		}
	}

	finalizeURL := ticketURL + "/finalize?key=" + url.QueryEscape(reg.ApiKey)
	finalizeResp, err := c.finalizeWithRetry(ctx, finalizeURL)
	if err != nil {
		return err
	}

	var finalized struct {
		RobotAccountEmail             string `json:"robotAccountEmail"`
		RobotAccountAuthorizationCode string `json:"robotAccountAuthorizationCode"`
		DeviceDraft                   struct {
			ID string `json:"id"`
		} `json:"deviceDraft"`
	}
	if err := json.Unmarshal(finalizeResp.Body, &finalized); err != nil ||
		finalized.RobotAccountEmail == "" || finalized.RobotAccountAuthorizationCode == "" || finalized.DeviceDraft.ID == "" {
		return errs.New(errs.DomainRegistration, "ticket_not_found", "finalize response missing robot account or device id")
	}

	tokenResp, err := c.doSync(ctx, "POST", buildURL(reg.OAuthURL, "token", nil), formHeaders(), encodeForm(map[string]string{
		"code":          finalized.RobotAccountAuthorizationCode,
		"client_id":     reg.ClientID,
		"client_secret": reg.ClientSecret,
		"redirect_uri":  "oob",
		"scope":         "https://www.googleapis.com/auth/clouddevices",
		"grant_type":    "authorization_code",
	}))
	if err != nil {
		return errs.Wrap(err, errs.DomainHTTP, "connection_error", "exchanging robot account authorization code")
	}
	if tokenResp.Status >= 400 {
		code, _ := classifyOAuthError(tokenResp.Body)
		return errs.Newf(errs.DomainOAuth, code, "robot account token exchange failed with HTTP %d", tokenResp.Status)
	}

	var tokens struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(tokenResp.Body, &tokens); err != nil ||
		tokens.AccessToken == "" || tokens.RefreshToken == "" || tokens.ExpiresIn <= 0 {
		return errs.New(errs.DomainOAuth, "invalid_response", "robot account token exchange returned no usable tokens")
	}

	c.mu.Lock()
	c.reg.RobotAccount = finalized.RobotAccountEmail
	c.reg.DeviceID = finalized.DeviceDraft.ID
	c.reg.AccessToken = tokens.AccessToken
	c.reg.RefreshToken = tokens.RefreshToken
	c.reg.AccessTokenExpiresAt = c.clock().Add(time.Duration(tokens.ExpiresIn) * time.Second)
	persistErr := c.persistLocked()
	c.mu.Unlock()
	if persistErr != nil {
		return persistErr
	}

	c.state.set(GcdStateConnected)
	return nil
}

func (c *Controller) bindUserEmail(ctx context.Context, reg Registration, ticketURL, userAuthCode string) error {
	tokenResp, err := c.doSync(ctx, "POST", buildURL(reg.OAuthURL, "token", nil), formHeaders(), encodeForm(map[string]string{
		"code":          userAuthCode,
		"client_id":     reg.ClientID,
		"client_secret": reg.ClientSecret,
		"redirect_uri":  "urn:ietf:wg:oauth:2.0:oob",
		"grant_type":    "authorization_code",
	}))
	if err != nil {
		return errs.Wrap(err, errs.DomainHTTP, "connection_error", "exchanging user authorization code")
	}
	var userToken struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(tokenResp.Body, &userToken); err != nil || userToken.AccessToken == "" {
		return errs.New(errs.DomainOAuth, "invalid_response", "user token exchange returned no access token")
	}

	patchBody, err := json.Marshal(map[string]string{"userEmail": "me"})
	if err != nil {
		return errs.Wrap(err, errs.DomainJSON, "parse_error", "encoding user email patch")
	}
	patchResp, err := c.doSync(ctx, "PATCH", ticketURL, map[string]string{
		"Content-Type":  "application/json",
		"Authorization": "Bearer " + userToken.AccessToken,
	}, patchBody)
	if err != nil {
		return errs.Wrap(err, errs.DomainHTTP, "connection_error", "binding user email to ticket")
	}
	if patchResp.Status >= 400 {
		return errs.Newf(errs.DomainRegistration, "ticket_not_found", "binding user email failed with HTTP %d", patchResp.Status)
	}
	return nil
}

// finalizeWithRetry POSTs the finalize endpoint with an empty body,
// retrying on HTTP 400 with the configured spacing until either a non-400
// response arrives or FinalizeMaxAttempts is exhausted (spec.md §4.4 step
// 2; original source retries indefinitely — spec.md §9 asks implementers
// to bound it, ≥30 tries with ≥1s spacing).
func (c *Controller) finalizeWithRetry(ctx context.Context, finalizeURL string) (*transport.Response, error) {
	for attempt := 0; attempt < c.opts.FinalizeMaxAttempts; attempt++ {
		resp, err := c.doSync(ctx, "POST", finalizeURL, jsonHeaders(), nil)
		if err != nil {
			return nil, errs.Wrap(err, errs.DomainHTTP, "connection_error", "finalizing registration ticket")
		}
		if resp.Status != 400 {
			return resp, nil
		}
		c.logger.Debug("registration ticket not yet approved, retrying", "attempt", attempt+1)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.opts.FinalizeRetryInterval):
		}
	}
	return nil, errs.New(errs.DomainRegistration, "ticket_not_approved", "registration ticket was not approved within the retry budget")
}

// GetDeviceURL composes ${serviceURL}/devices/${deviceId}[/subpath][?params]
// (spec.md §4.4).
func (c *Controller) GetDeviceURL(subpath string, params url.Values) string {
	reg := c.snapshot()
	path := "devices/" + reg.DeviceID
	if subpath != "" {
		path += "/" + subpath
	}
	return buildURL(reg.ServiceURL, path, params)
}

// StartSyncLoops schedules the recurring PollCommands and PushState tasks on
// the Task Runner. It is not idempotent: each call schedules another pair
// of loops, so callers invoke it exactly once; the daemon does so the first
// time GcdState is Connecting or Connected (spec.md §4.4: "once connected,
// poll and push run on their own intervals").
func (c *Controller) StartSyncLoops() {
	c.runner.PostDelayedTask(c.pollCommandsTick, c.opts.DefaultPollInterval)
	c.runner.PostDelayedTask(c.pushStateTick, c.opts.PushInterval)
}

// pollCommandsTick and pushStateTick run on the Task Runner goroutine, but
// never block it: the HTTP round-trip they drive (PollCommands/PushState,
// via AccessToken's refresh and doSync's blocking wait for the async
// HttpClient callback) runs on its own worker goroutine, and only the
// backoff bookkeeping and reschedule — the parts touching state the Task
// Runner serializes — are posted back as a follow-up task (spec.md §9
// design notes: "blocking HTTP wrapped by a worker, polled from the main
// scheduler"; transport.HttpClient's contract: "callers that mutate shared
// state from within callback must hop back onto the TaskRunner").
func (c *Controller) pollCommandsTick() {
	go func() {
		err := c.PollCommands(context.Background())
		c.runner.PostDelayedTask(func() { c.pollCommandsDone(err) }, 0)
	}()
}

// pollCommandsDone is the only place pollBackoff is touched, and it always
// runs on the Task Runner goroutine, keeping the "not safe for concurrent
// use" backoff counter serialized the way the rest of the controller's
// Task-Runner-owned state is.
func (c *Controller) pollCommandsDone(err error) {
	interval := c.opts.DefaultPollInterval
	if err != nil {
		c.logger.Warn("poll commands failed", "error", err)
		interval = c.pollBackoff.next()
	} else {
		c.pollBackoff.reset()
	}
	c.runner.PostDelayedTask(c.pollCommandsTick, interval)
}

func (c *Controller) pushStateTick() {
	go func() {
		err := c.PushState(context.Background())
		c.runner.PostDelayedTask(func() { c.pushStateDone(err) }, 0)
	}()
}

// pushStateDone is the only place pushBackoff is touched; see pollCommandsDone.
func (c *Controller) pushStateDone(err error) {
	interval := c.opts.PushInterval
	if err != nil {
		c.logger.Warn("push state failed", "error", err)
		interval = c.pushBackoff.next()
	} else {
		c.pushBackoff.reset()
	}
	c.runner.PostDelayedTask(c.pushStateTick, interval)
}

// PollCommands fetches the device's pending cloud command queue and feeds
// each entry into the command Manager with OriginCloud (spec.md §4.4).
func (c *Controller) PollCommands(ctx context.Context) error {
	reg := c.snapshot()
	header, err := c.AuthorizationHeader(ctx)
	if err != nil {
		return err
	}

	queueURL := buildURL(reg.ServiceURL, "devices/"+reg.DeviceID+"/commandQueue", url.Values{"deviceId": {reg.DeviceID}})
	resp, err := c.doSync(ctx, "GET", queueURL, map[string]string{"Authorization": header}, nil)
	if err != nil {
		return errs.Wrap(err, errs.DomainHTTP, "connection_error", "polling command queue")
	}
	if resp.Status >= 400 {
		return c.classifyHTTPFailure(resp.Status)
	}

	var parsed struct {
		Commands []json.RawMessage `json:"commands"`
	}
	if err := json.Unmarshal(resp.Body, &parsed); err != nil {
		return errs.Wrap(err, errs.DomainJSON, "parse_error", "parsing command queue response")
	}

	for _, raw := range parsed.Commands {
		if _, err := c.commands.AddCommand(raw, command.OriginCloud); err != nil {
			c.logger.Warn("rejected cloud command", "error", err)
		}
	}
	return nil
}

// PushState drains the state Manager's ChangeQueue and patches every
// accumulated change to the cloud. On failure the drained entries are
// requeued so nothing is lost (spec.md §4.4 PushState failure policy).
func (c *Controller) PushState(ctx context.Context) error {
	if c.stateMgr == nil {
		return nil
	}
	queue := c.stateMgr.ChangeQueue()
	entries := queue.GetAndClearRecordedStateChanges()
	if len(entries) == 0 {
		return nil
	}

	patches := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		patch := make(map[string]json.RawMessage, len(entry.Changed))
		for name, v := range entry.Changed {
			encoded, err := v.ToJSON()
			if err != nil {
				queue.Requeue(entries)
				return errs.Wrap(err, errs.DomainJSON, "encode_error", "encoding state patch")
			}
			patch[name] = encoded
		}
		patches = append(patches, map[string]any{
			"timeMs": entry.Timestamp.UnixMilli(),
			"patch":  patch,
		})
	}

	body, err := json.Marshal(map[string]any{
		"requestTimeMs": c.clock().UnixMilli(),
		"patches":       patches,
	})
	if err != nil {
		queue.Requeue(entries)
		return errs.Wrap(err, errs.DomainJSON, "encode_error", "encoding patchState request")
	}

	header, err := c.AuthorizationHeader(ctx)
	if err != nil {
		queue.Requeue(entries)
		return err
	}

	reg := c.snapshot()
	patchURL := buildURL(reg.ServiceURL, "devices/"+reg.DeviceID+"/patchState", nil)
	resp, err := c.doSync(ctx, "PATCH", patchURL, map[string]string{
		"Authorization": header,
		"Content-Type":  "application/json",
	}, body)
	if err != nil {
		queue.Requeue(entries)
		return errs.Wrap(err, errs.DomainHTTP, "connection_error", "pushing state patch")
	}
	if resp.Status >= 400 {
		queue.Requeue(entries)
		return c.classifyHTTPFailure(resp.Status)
	}
	return nil
}

// classifyHTTPFailure maps a cloud HTTP status to GcdState per spec.md
// §4.4's failure policy: auth-related 4xx (401/403) mark the registration
// Invalid; everything else is treated as transient and leaves GcdState
// unchanged for the next retry.
func (c *Controller) classifyHTTPFailure(status int) error {
	if status == 401 || status == 403 {
		c.state.set(GcdStateInvalid)
		return errs.Newf(errs.DomainHTTP, "unauthorized", "cloud request rejected with HTTP %d", status)
	}
	if status >= 500 || status == 429 {
		return errs.Newf(errs.DomainHTTP, "connection_error", "cloud request failed with HTTP %d", status)
	}
	return errs.Newf(errs.DomainHTTP, "invalid_response", "cloud request failed with HTTP %d", status)
}

func buildURL(base, subpath string, params url.Values) string {
	u := base
	if subpath != "" {
		if u != "" && !strings.HasSuffix(u, "/") {
			u += "/"
		}
		u += subpath
	}
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	return u
}

func jsonHeaders() map[string]string {
	return map[string]string{"Content-Type": "application/json"}
}

func formHeaders() map[string]string {
	return map[string]string{"Content-Type": "application/x-www-form-urlencoded"}
}

func encodeForm(fields map[string]string) []byte {
	values := url.Values{}
	for k, v := range fields {
		values.Set(k, v)
	}
	return []byte(values.Encode())
}

// doSync blocks the calling goroutine until httpClient's callback fires,
// turning the async provider interface into a synchronous call. It is safe
// to call from the handshake methods above, which always run on a caller's
// own goroutine (spec.md §7: "user-initiated calls surface the full
// chain"), and from pollCommandsTick/pushStateTick's worker goroutines —
// but never directly on the Task Runner's own goroutine, which must stay
// free to run other scheduled work.
func (c *Controller) doSync(ctx context.Context, method, reqURL string, headers map[string]string, body []byte) (*transport.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.HTTPTimeout)
	defer cancel()

	type result struct {
		resp *transport.Response
		err  error
	}
	ch := make(chan result, 1)
	c.httpClient.SendRequest(ctx, method, reqURL, headers, body, func(resp *transport.Response, err error) {
		ch <- result{resp, err}
	})

	select {
	case r := <-ch:
		return r.resp, r.err
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", errs.New(errs.DomainHTTP, "timeout", "request timed out"), ctx.Err())
	}
}

// formatExpiry is a small debug helper used by the local API snapshot.
func formatExpiry(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return strconv.FormatInt(t.Unix(), 10)
}
