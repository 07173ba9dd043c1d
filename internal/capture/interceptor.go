// internal/capture/interceptor.go
package capture

import (
	"encoding/base64"
	"net/url"
	"strings"
	"time"

	"github.com/chromedp/cdproto/network"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/time/rate"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// InterceptorConfig scopes which traffic the interceptor mines for credentials.
type InterceptorConfig struct {
	// APIHosts are the hosts whose requests may carry the session bearer
	// token. Matching is exact unless MatchSiblingHosts is set.
	APIHosts []string
	// MatchSiblingHosts also accepts hosts sharing a registrable domain with
	// a configured host (api.nike.com then covers unite.nike.com siblings).
	MatchSiblingHosts bool
	// LoginPathMarkers are substrings of a request path that mark it as part
	// of the login exchange.
	LoginPathMarkers []string
	// EmailFields are the JSON body fields checked, in order, for the email.
	EmailFields []string
}

// Interceptor mines outgoing requests for the authorization token and the
// login email. It is strictly observe-only: it never blocks, delays or
// mutates a request, and a body it cannot parse is simply ignored.
type Interceptor struct {
	state  *State
	cfg    InterceptorConfig
	logger *zap.Logger

	logEvery rate.Sometimes
}

// NewInterceptor creates an interceptor writing into state.
func NewInterceptor(state *State, cfg InterceptorConfig, logger *zap.Logger) *Interceptor {
	return &Interceptor{
		state:    state,
		cfg:      cfg,
		logger:   logger.Named("interceptor"),
		logEvery: rate.Sometimes{First: 3, Interval: 5 * time.Second},
	}
}

// HandleRequest inspects a single outgoing request. Safe to call from the CDP
// event goroutine; it never fails, whatever the request looks like.
func (ic *Interceptor) HandleRequest(e *network.EventRequestWillBeSent) {
	if e == nil || e.Request == nil {
		return
	}

	ic.logEvery.Do(func() {
		ic.logger.Debug("Observing request traffic.",
			zap.String("method", e.Request.Method),
			zap.String("url", e.Request.URL),
		)
	})

	ic.captureToken(e.Request)
	ic.captureEmail(e.Request)
}

// captureToken records the Authorization header of the first matching API request.
func (ic *Interceptor) captureToken(req *network.Request) {
	auth := headerValue(req.Headers, "Authorization")
	if auth == "" {
		return
	}

	u, err := url.Parse(req.URL)
	if err != nil || !ic.matchesAPIHost(u.Hostname()) {
		return
	}

	if ic.state.SetToken(auth) {
		ic.logger.Info("Captured authorization token from network traffic.",
			zap.String("host", u.Hostname()),
		)
	}
}

// captureEmail pulls the email out of a JSON login request body. Non-JSON
// bodies and bodies without a known field are silently skipped; the login
// exchange also carries analytics beacons and we must not trip over them.
func (ic *Interceptor) captureEmail(req *network.Request) {
	if email, _ := ic.state.Email(); email != "" {
		return
	}
	if !ic.isLoginPath(req.URL) {
		return
	}

	body := requestBody(req)
	if body == "" {
		return
	}

	var payload map[string]interface{}
	if err := json.UnmarshalFromString(body, &payload); err != nil {
		return
	}

	for _, field := range ic.cfg.EmailFields {
		value, ok := payload[field].(string)
		if !ok || strings.TrimSpace(value) == "" {
			continue
		}
		if ic.state.SetEmail(SourceNetwork, value) {
			ic.logger.Info("Captured email from login request body.",
				zap.String("field", field),
			)
		}
		return
	}
}

// matchesAPIHost reports whether host belongs to the configured API surface.
func (ic *Interceptor) matchesAPIHost(host string) bool {
	if host == "" {
		return false
	}
	host = strings.ToLower(host)

	hostDomain, hostDomainErr := publicsuffix.EffectiveTLDPlusOne(host)

	for _, candidate := range ic.cfg.APIHosts {
		candidate = strings.ToLower(candidate)
		if host == candidate {
			return true
		}
		if !ic.cfg.MatchSiblingHosts || hostDomainErr != nil {
			continue
		}
		if candidateDomain, err := publicsuffix.EffectiveTLDPlusOne(candidate); err == nil && hostDomain == candidateDomain {
			return true
		}
	}
	return false
}

// isLoginPath reports whether the request path carries a login marker.
func (ic *Interceptor) isLoginPath(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	path := strings.ToLower(u.Path)
	for _, marker := range ic.cfg.LoginPathMarkers {
		if strings.Contains(path, strings.ToLower(marker)) {
			return true
		}
	}
	return false
}

// requestBody reassembles the POST body from the CDP data entries. Entries
// arrive base64 encoded; if an entry does not decode, its raw bytes are used.
func requestBody(req *network.Request) string {
	if !req.HasPostData || len(req.PostDataEntries) == 0 {
		return ""
	}

	var b strings.Builder
	for _, entry := range req.PostDataEntries {
		if entry == nil || entry.Bytes == "" {
			continue
		}
		if decoded, err := base64.StdEncoding.DecodeString(entry.Bytes); err == nil {
			b.Write(decoded)
		} else {
			b.WriteString(entry.Bytes)
		}
	}
	return b.String()
}

// headerValue performs a case insensitive header lookup. CDP can join multi
// value headers with newlines; only the first value is returned.
func headerValue(headers network.Headers, key string) string {
	for name, v := range headers {
		if strings.EqualFold(name, key) {
			if valStr, ok := v.(string); ok {
				return strings.Split(valStr, "\n")[0]
			}
		}
	}
	return ""
}
