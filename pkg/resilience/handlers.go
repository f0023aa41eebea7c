// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package resilience

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jllopis/personaguard/pkg/errors"
	"github.com/jllopis/personaguard/pkg/persona"
	"github.com/jllopis/personaguard/pkg/telemetry"
)

// HandlingResult is what a per-kind handler recommends for one failure.
type HandlingResult struct {
	Kind             errors.Kind     `json:"kind"`
	UserMessage      string          `json:"userMessage"`
	LogLevel         telemetry.Level `json:"logLevel"`
	ShouldRetry      bool            `json:"shouldRetry"`
	Delay            time.Duration   `json:"-"`
	DelayMs          int64           `json:"retryDelayMs"`
	CorrectedParams  map[string]any  `json:"correctedParams,omitempty"`
	Suggestion       string          `json:"suggestion,omitempty"`
	Diagnostics      map[string]any  `json:"diagnostics"`
	FallbackEligible bool            `json:"fallbackEligible"`
}

// CorrectedFields returns the sorted names of corrected parameters.
func (r HandlingResult) CorrectedFields() []string {
	fields := make([]string, 0, len(r.CorrectedParams))
	for k := range r.CorrectedParams {
		fields = append(fields, k)
	}
	sort.Strings(fields)
	return fields
}

type handlerFunc func(e *Engine, err *errors.CallError, cc *CallContext) HandlingResult

var handlers = map[errors.Kind]handlerFunc{
	errors.KindAuthentication: (*Engine).handleAuthentication,
	errors.KindAuthorization:  (*Engine).handleAuthorization,
	errors.KindValidation:     (*Engine).handleValidation,
	errors.KindInvalidParams:  (*Engine).handleInvalidParams,
	errors.KindRateLimit:      (*Engine).handleRateLimit,
	errors.KindServerError:    (*Engine).handleServerError,
	errors.KindNetworkError:   (*Engine).handleNetworkError,
	errors.KindNotFound:       (*Engine).handleNotFound,
	errors.KindUnknown:        (*Engine).handleUnknown,
}

// Handle routes err to the handler for its kind. Handlers are pure: they
// read err and cc and perform no I/O.
func (e *Engine) Handle(err *errors.CallError, cc *CallContext) HandlingResult {
	if err == nil {
		return HandlingResult{Diagnostics: map[string]any{}}
	}
	h, ok := handlers[err.Kind]
	if !ok {
		h = (*Engine).handleUnknown
	}
	return h(e, err, cc)
}

func (e *Engine) baseResult(err *errors.CallError, cc *CallContext, level telemetry.Level, msg string) HandlingResult {
	attempt, max := e.attempts(cc)
	diag := map[string]any{
		"kind":        string(err.Kind),
		"code":        err.Code,
		"attempt":     attempt,
		"maxAttempts": max,
	}
	if cc != nil {
		diag["endpoint"] = cc.Endpoint
		diag["method"] = cc.Method
	}
	if err.CorrelationID != "" {
		diag["correlationId"] = err.CorrelationID
	}
	return HandlingResult{
		Kind:        err.Kind,
		UserMessage: msg,
		LogLevel:    level,
		Diagnostics: diag,
	}
}

// withBackoff fills the retry recommendation for kinds retried with backoff.
// The delay is always computed so callers can report the next backoff step.
func (e *Engine) withBackoff(r HandlingResult, err *errors.CallError, cc *CallContext) HandlingResult {
	attempt, _ := e.attempts(cc)
	r.ShouldRetry = e.ShouldRetry(err, cc)
	r.Delay = e.CalculateRetryDelay(attempt)
	r.DelayMs = r.Delay.Milliseconds()
	r.Diagnostics["retryDelayMs"] = r.DelayMs
	return r
}

func (e *Engine) handleAuthentication(err *errors.CallError, cc *CallContext) HandlingResult {
	r := e.baseResult(err, cc, telemetry.LevelCritical,
		"Authentification impossible auprès du service de recommandation. Vérifiez la clé API.")
	r.Diagnostics["header"] = "X-Api-Key"
	r.Diagnostics["hint"] = "the API key is missing, expired or revoked"
	return r
}

func (e *Engine) handleAuthorization(err *errors.CallError, cc *CallContext) HandlingResult {
	r := e.baseResult(err, cc, telemetry.LevelError,
		"Accès refusé : les permissions du compte ne couvrent pas cette ressource.")
	endpoint := ""
	if cc != nil {
		endpoint = cc.Endpoint
	}
	r.Diagnostics["requiredPermissions"] = e.RequiredPermissions(endpoint)
	return r
}

func (e *Engine) handleValidation(err *errors.CallError, cc *CallContext) HandlingResult {
	r := e.baseResult(err, cc, telemetry.LevelWarn, "Paramètres de requête invalides.")
	return e.correctOrSuggest(r, err, cc)
}

func (e *Engine) handleInvalidParams(err *errors.CallError, cc *CallContext) HandlingResult {
	r := e.baseResult(err, cc, telemetry.LevelWarn, "Paramètres manquants ou mal formés.")
	return e.correctOrSuggest(r, err, cc)
}

func (e *Engine) correctOrSuggest(r HandlingResult, err *errors.CallError, cc *CallContext) HandlingResult {
	fields := offendingFields(err)
	r.Diagnostics["fields"] = fields

	attempt, max := e.attempts(cc)
	hint, hinted := err.RetryableHint()
	if corrected, ok := e.correctFields(err, cc, fields); ok && attempt < max && (!hinted || hint) {
		r.ShouldRetry = true
		r.CorrectedParams = corrected
		r.UserMessage = "Paramètres corrigés automatiquement, nouvelle tentative."
		r.Diagnostics["correctedFields"] = r.CorrectedFields()
		return r
	}
	r.Suggestion = suggestionFor(fields)
	return r
}

// correctFields computes a corrected value for every offending field. It only
// succeeds when each field has a rule that changes the current value.
func (e *Engine) correctFields(err *errors.CallError, cc *CallContext, fields []string) (map[string]any, bool) {
	if len(fields) == 0 {
		return nil, false
	}
	out := make(map[string]any, len(fields))
	for _, field := range fields {
		rule, ok := e.corrections[field]
		if !ok {
			return nil, false
		}
		var current any
		if cc != nil {
			current = cc.Params[field]
		}
		if v, ok := err.Detail("value"); ok && len(fields) == 1 {
			current = v
		}
		corrected, ok := rule(current)
		if !ok || sameValue(corrected, current) {
			return nil, false
		}
		out[field] = corrected
	}
	return out, true
}

func (e *Engine) handleRateLimit(err *errors.CallError, cc *CallContext) HandlingResult {
	r := e.baseResult(err, cc, telemetry.LevelWarn, "")
	r = e.withBackoff(r, err, cc)
	r.FallbackEligible = true
	window := map[string]any{}
	for _, key := range []string{"retryAfterMs", "limit", "remaining", "resetAt"} {
		if v, ok := err.Detail(key); ok {
			window[key] = v
		}
	}
	r.Diagnostics["rateLimit"] = window
	if r.ShouldRetry {
		r.UserMessage = fmt.Sprintf("Trop de requêtes, nouvelle tentative dans %d s.", secondsCeil(r.Delay))
	} else {
		r.UserMessage = "Service saturé, des données de secours peuvent être utilisées."
	}
	return r
}

func (e *Engine) handleServerError(err *errors.CallError, cc *CallContext) HandlingResult {
	r := e.baseResult(err, cc, telemetry.LevelError, "Le service de recommandation rencontre une erreur.")
	r = e.withBackoff(r, err, cc)
	r.FallbackEligible = true
	if err.StatusCode > 0 {
		r.Diagnostics["statusCode"] = err.StatusCode
	}
	return r
}

func (e *Engine) handleNetworkError(err *errors.CallError, cc *CallContext) HandlingResult {
	r := e.baseResult(err, cc, telemetry.LevelWarn, "Connexion au service impossible.")
	r = e.withBackoff(r, err, cc)
	r.FallbackEligible = true
	if v, ok := err.Detail("timeout"); ok {
		r.Diagnostics["timeout"] = v
		r.UserMessage = "Le service n'a pas répondu à temps."
	}
	return r
}

func (e *Engine) handleNotFound(err *errors.CallError, cc *CallContext) HandlingResult {
	r := e.baseResult(err, cc, telemetry.LevelInfo, "Ressource introuvable.")
	if cc != nil {
		r.Diagnostics["paramKeys"] = cc.ParamKeys()
	}
	return r
}

func (e *Engine) handleUnknown(err *errors.CallError, cc *CallContext) HandlingResult {
	r := e.baseResult(err, cc, telemetry.LevelError, "Une erreur inattendue est survenue.")
	r = e.withBackoff(r, err, cc)
	r.FallbackEligible = true
	return r
}

type permissionRule struct {
	prefix      string
	permissions []string
}

func defaultPermissions() []permissionRule {
	return []permissionRule{
		{prefix: "/search", permissions: []string{"search:read"}},
		{prefix: "/entities", permissions: []string{"entities:read"}},
		{prefix: "/v2/tags", permissions: []string{"tags:read"}},
		{prefix: "/v2/audiences", permissions: []string{"audiences:read"}},
		{prefix: "/v2/insights", permissions: []string{"insights:read", "entities:read"}},
		{prefix: "", permissions: []string{"api:access"}},
	}
}

// RequiredPermissions returns the permissions of the longest matching prefix.
func (e *Engine) RequiredPermissions(endpoint string) []string {
	for _, rule := range e.permissions {
		if strings.HasPrefix(endpoint, rule.prefix) {
			return append([]string(nil), rule.permissions...)
		}
	}
	return nil
}

func offendingFields(err *errors.CallError) []string {
	if f := err.DetailString("field"); f != "" {
		return []string{f}
	}
	raw, ok := err.Detail("fields")
	if !ok {
		return nil
	}
	var fields []string
	switch v := raw.(type) {
	case []string:
		fields = append(fields, v...)
	case []any:
		for _, f := range v {
			if s, ok := f.(string); ok && s != "" {
				fields = append(fields, s)
			}
		}
	}
	sort.Strings(fields)
	return fields
}

func suggestionFor(fields []string) string {
	switch {
	case len(fields) == 0:
		return "Vérifiez le format des paramètres de la requête."
	case len(fields) == 1 && fields[0] == "filter.type":
		return "Utilisez un type d'entité valide, par exemple " + persona.DefaultEntityURN + "."
	default:
		return "Vérifiez les paramètres : " + strings.Join(fields, ", ") + "."
	}
}

func secondsCeil(d time.Duration) int64 {
	s := int64(d / time.Second)
	if d%time.Second != 0 {
		s++
	}
	return s
}
