package interceptor

import (
	"context"
	"crypto/x509"
	"errors"
	"strconv"
	"strings"

	"github.com/vellumhttp/vellum/internal/core/domain"
)

const maxFollowUps = 20

// RoutePlanner is the subset of the planner the retry interceptor
// needs to decide if a failure is retriable (spec.md §4.8).
type RoutePlanner interface {
	HasNext(failedConn *domain.Connection) bool
}

// RetryAndFollowUp implements spec.md §4.8: classifies failures as
// retriable or not, and dispatches follow-ups by status code.
type RetryAndFollowUp struct {
	Planner          RoutePlanner
	CallAuthenticator func(resp *domain.Response) (*domain.Request, error)
	ProxyAuthenticator func(resp *domain.Response) (*domain.Request, error)
	AllowRedirects   bool
	ForbidRetry      bool
}

func (r *RetryAndFollowUp) Intercept(ctx context.Context, chain *Chain) (*domain.Response, error) {
	req := chain.Request
	var priorResponse *domain.Response

	for {
		resp, err := chain.Proceed(ctx, req)
		if err != nil {
			if !r.recover(err, req, chain.Call) {
				return nil, err
			}
			continue
		}

		resp.PriorResponse = priorResponse
		followUp, again, followErr := r.followUp(resp, req, chain.Call)
		if followErr != nil {
			return resp, followErr
		}
		if !again {
			return resp, nil
		}

		chain.Call.FollowUpCount++
		if chain.Call.FollowUpCount > maxFollowUps {
			return resp, domain.NewError(domain.KindProtocol, "retry.followup", errTooManyFollowUps)
		}

		if resp.Body != nil && resp.Body.Reader != nil {
			_ = resp.Body.Reader.Close()
		}
		priorResponse = stripBody(resp)
		req = followUp
	}
}

// recover implements spec.md §4.8's "Retry classification".
func (r *RetryAndFollowUp) recover(err error, req *domain.Request, call *CallState) bool {
	if call.ForbidRetry || r.ForbidRetry {
		return false
	}

	var verr *domain.Error
	if !errors.As(err, &verr) {
		return r.Planner.HasNext(nil)
	}

	switch verr.Kind {
	case domain.KindProtocol, domain.KindTLSPeerUnverified, domain.KindCancellation:
		return false
	case domain.KindTLSHandshake:
		var certErr x509.CertificateInvalidError
		if errors.As(verr.Err, &certErr) {
			return false
		}
	}

	if req.Body != nil && req.Body.OneShot {
		return false
	}

	return r.Planner.HasNext(nil)
}

// followUp implements spec.md §4.8's "Follow-up dispatch by status
// code" table. Returns (nextRequest, shouldFollowUp, error).
func (r *RetryAndFollowUp) followUp(resp *domain.Response, req *domain.Request, call *CallState) (*domain.Request, bool, error) {
	switch resp.Code {
	case 401:
		if r.CallAuthenticator == nil {
			return nil, false, nil
		}
		next, err := r.CallAuthenticator(resp)
		if err != nil || next == nil {
			return nil, false, nil
		}
		return next, true, nil

	case 407:
		if viaHTTPProxy, _ := req.Tags["via_http_proxy"].(bool); !viaHTTPProxy {
			return nil, false, nil
		}
		if r.ProxyAuthenticator == nil {
			return nil, false, nil
		}
		next, err := r.ProxyAuthenticator(resp)
		if err != nil || next == nil {
			return nil, false, nil
		}
		return next, true, nil

	case 300, 301, 302, 303, 307, 308:
		if !r.AllowRedirects {
			return nil, false, nil
		}
		return r.buildRedirect(resp, req)

	case 408:
		if req.Body != nil && req.Body.OneShot {
			return nil, false, nil
		}
		if call.ForbidRetry {
			return nil, false, nil
		}
		if priorWas408(resp.PriorResponse) {
			return nil, false, nil
		}
		if retryAfterSeconds(resp) > 0 {
			return nil, false, nil
		}
		return req, true, nil

	case 503:
		if priorWasStatus(resp.PriorResponse, 503) {
			return nil, false, nil
		}
		if retryAfterSeconds(resp) == 0 && resp.Headers.Has("Retry-After") {
			return req, true, nil
		}
		return nil, false, nil

	case 421:
		// Retries the same request once; a second 421 in a row is
		// returned as is. Whether the connection was a coalesced
		// HTTP/2 one is not checked, and coalescing is not disabled on
		// it before the retry.
		if priorWasStatus(resp.PriorResponse, 421) {
			return nil, false, nil
		}
		return req, true, nil

	default:
		return nil, false, nil
	}
}

func (r *RetryAndFollowUp) buildRedirect(resp *domain.Response, req *domain.Request) (*domain.Request, bool, error) {
	location := resp.Headers.GetOrEmpty("Location")
	if location == "" {
		return nil, false, nil
	}
	target, err := req.URL.Parse(location)
	if err != nil {
		return nil, false, nil
	}

	method := req.Method
	var body *domain.Body
	switch resp.Code {
	case 300, 301, 302, 303:
		if method != "HEAD" {
			method = "GET" // GET-ify per HTTP spec (spec.md §4.8)
		}
	case 307, 308:
		if req.Body != nil && req.Body.OneShot {
			return nil, false, nil
		}
		body = req.Body
	}

	headers := req.Headers.Clone()
	if !strings.EqualFold(target.Host, req.URL.Host) {
		headers = stripHeader(headers, "Authorization")
	}

	return &domain.Request{Method: method, URL: target, Headers: headers, Body: body}, true, nil
}

func stripBody(resp *domain.Response) *domain.Response {
	out := *resp
	out.Body = nil
	return &out
}

func priorWas408(prior *domain.Response) bool {
	return priorWasStatus(prior, 408)
}

func priorWasStatus(prior *domain.Response, code int) bool {
	return prior != nil && prior.Code == code
}

func retryAfterSeconds(resp *domain.Response) int {
	v := resp.Headers.GetOrEmpty("Retry-After")
	if v == "" {
		return -1
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return -1
	}
	return n
}

var errTooManyFollowUps = chainError("too many follow-ups")
