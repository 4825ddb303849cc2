package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"
)

const defaultHttpTimeout = 30 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

func defaultClient() *http.Client {
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

// ApiError is a response with an HTTP error status. Its absence on a failed
// request means the service produced no status at all, which is what the
// stuck-service diagnostics key off.
type ApiError struct {
	StatusCode int
	Message    string
}

func (self *ApiError) Error() string {
	return fmt.Sprintf("api status %d: %s", self.StatusCode, self.Message)
}

// isNoStatusError reports whether err represents a request that failed
// without any HTTP status (timeout, connection fault mid-request).
func isNoStatusError(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *ApiError
	return !errors.As(err, &apiErr)
}

// isTimeoutError reports whether err is timeout shaped: the request ran to
// its deadline rather than failing to connect at all.
func isTimeoutError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

type apiCallback[R any] interface {
	Result(result R, err error)
}

type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

// ContextDoc is the remote context document: a server-side session grouping
// a set of devices for one shared multi-screen experience.
type ContextDoc struct {
	ContextId string   `json:"contextId"`
	DeviceIds []string `json:"deviceIds"`
	DMAppId   string   `json:"dmAppId,omitempty"`
	Timestamp float64  `json:"timestamp"`
}

// DMAppDoc is the remote application document for one piece of synchronized
// content loaded into a context.
type DMAppDoc struct {
	DMAppId    string            `json:"dmAppId"`
	ContextId  string            `json:"contextId"`
	Spec       *DMAppSpec        `json:"spec,omitempty"`
	Components []ComponentStatus `json:"components,omitempty"`
	Timestamp  float64           `json:"timestamp"`
}

type DMAppSpec struct {
	TimelineDocUrl string `json:"timelineDocUrl"`
	LayoutReqsUrl  string `json:"layoutReqsUrl"`
}

// ComponentStatus is one locally hosted unit's reported status.
type ComponentStatus struct {
	ComponentId string   `json:"componentId"`
	Status      string   `json:"status"`
	Duration    *float64 `json:"duration,omitempty"`
	Revision    int      `json:"revision,omitempty"`
}

// Api is the client for the remote session service. All calls carry the
// requesting device id and an optional bearer JWT.
type Api struct {
	ctx      context.Context
	apiUrl   string
	deviceId string

	byJwt string
}

func NewApi(ctx context.Context, apiUrl string, deviceId string) *Api {
	return &Api{
		ctx:      ctx,
		apiUrl:   apiUrl,
		deviceId: deviceId,
	}
}

func (self *Api) SetByJwt(byJwt string) {
	self.byJwt = byJwt
}

// CreateContext creates a new remote context with this device attached.
func (self *Api) CreateContext() (*ContextDoc, error) {
	return request(
		self.ctx,
		"POST",
		fmt.Sprintf("%s/context?reqDeviceId=%s", self.apiUrl, self.deviceId),
		nil,
		self.byJwt,
		&ContextDoc{},
	)
}

// ListContexts enumerates existing contexts, used to reattach in Setup.
func (self *Api) ListContexts() ([]*ContextDoc, error) {
	return request(
		self.ctx,
		"GET",
		fmt.Sprintf("%s/context?reqDeviceId=%s", self.apiUrl, self.deviceId),
		nil,
		self.byJwt,
		[]*ContextDoc{},
	)
}

// JoinContext attaches this device to an existing context.
func (self *Api) JoinContext(contextId string) (*ContextDoc, error) {
	return request(
		self.ctx,
		"POST",
		fmt.Sprintf("%s/context/%s/devices?reqDeviceId=%s", self.apiUrl, contextId, self.deviceId),
		nil,
		self.byJwt,
		&ContextDoc{},
	)
}

func (self *Api) LeaveContext(contextId string) error {
	_, err := request(
		self.ctx,
		"DELETE",
		fmt.Sprintf("%s/context/%s/devices/%s?reqDeviceId=%s", self.apiUrl, contextId, self.deviceId, self.deviceId),
		nil,
		self.byJwt,
		&struct{}{},
	)
	return err
}

// CreateDMApp loads an application into the context.
func (self *Api) CreateDMApp(contextId string, spec *DMAppSpec) (*DMAppDoc, error) {
	return request(
		self.ctx,
		"POST",
		fmt.Sprintf("%s/context/%s/dmapp?reqDeviceId=%s", self.apiUrl, contextId, self.deviceId),
		spec,
		self.byJwt,
		&DMAppDoc{},
	)
}

// GetDMApp fetches the full application state document.
func (self *Api) GetDMApp(contextId string, dmAppId string) (*DMAppDoc, error) {
	return request(
		self.ctx,
		"GET",
		fmt.Sprintf("%s/context/%s/dmapp/%s?reqDeviceId=%s", self.apiUrl, contextId, dmAppId, self.deviceId),
		nil,
		self.byJwt,
		&DMAppDoc{},
	)
}

func (self *Api) GetDMAppAsync(contextId string, dmAppId string, callback apiCallback[*DMAppDoc]) {
	go func() {
		result, err := self.GetDMApp(contextId, dmAppId)
		callback.Result(result, err)
	}()
}

func (self *Api) LeaveDMApp(contextId string, dmAppId string) error {
	_, err := request(
		self.ctx,
		"DELETE",
		fmt.Sprintf("%s/context/%s/dmapp/%s?reqDeviceId=%s", self.apiUrl, contextId, dmAppId, self.deviceId),
		nil,
		self.byJwt,
		&struct{}{},
	)
	return err
}

// PostStatusBatch submits a batch of coalesced component status updates.
func (self *Api) PostStatusBatch(contextId string, dmAppId string, statuses []ComponentStatus) error {
	_, err := request(
		self.ctx,
		"POST",
		fmt.Sprintf("%s/context/%s/dmapp/%s/actions/status?reqDeviceId=%s", self.apiUrl, contextId, dmAppId, self.deviceId),
		statuses,
		self.byJwt,
		&struct{}{},
	)
	return err
}

// reach dials the service address without issuing a request. A service that
// does not even accept the connection is down, not stuck.
func (self *Api) reach(timeout time.Duration) error {
	u, err := url.Parse(self.apiUrl)
	if err != nil {
		return err
	}
	host := u.Host
	if u.Port() == "" {
		port := "80"
		if u.Scheme == "https" {
			port = "443"
		}
		host = net.JoinHostPort(u.Hostname(), port)
	}
	conn, err := net.DialTimeout("tcp", host, timeout)
	if err != nil {
		return err
	}
	conn.Close()
	return nil
}

// probe issues a bare request with its own short timeout, for the
// stuck-service diagnostics. The interesting outcome is an error with no
// HTTP status.
func (self *Api) probe(method string, path string, timeout time.Duration) error {
	url := fmt.Sprintf("%s/%s?reqDeviceId=%s", self.apiUrl, path, self.deviceId)
	req, err := http.NewRequestWithContext(self.ctx, method, url, nil)
	if err != nil {
		return err
	}
	if self.byJwt != "" {
		req.Header.Add("Authorization", fmt.Sprintf("Bearer %s", self.byJwt))
	}

	client := &http.Client{
		Timeout: timeout,
	}
	r, err := client.Do(req)
	if err != nil {
		return err
	}
	defer r.Body.Close()
	io.Copy(io.Discard, r.Body)

	if 400 <= r.StatusCode {
		return &ApiError{
			StatusCode: r.StatusCode,
			Message:    r.Status,
		}
	}
	return nil
}

func request[R any](ctx context.Context, method string, url string, args any, byJwt string, result R) (R, error) {
	var empty R

	var requestBody io.Reader
	if args != nil {
		requestBodyBytes, err := json.Marshal(args)
		if err != nil {
			return empty, err
		}
		requestBody = bytes.NewReader(requestBodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, requestBody)
	if err != nil {
		return empty, err
	}
	req.Header.Add("Content-Type", "application/json")
	if byJwt != "" {
		req.Header.Add("Authorization", fmt.Sprintf("Bearer %s", byJwt))
	}

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		return empty, err
	}

	if 400 <= r.StatusCode {
		return empty, &ApiError{
			StatusCode: r.StatusCode,
			Message:    string(responseBodyBytes),
		}
	}

	if len(responseBodyBytes) == 0 {
		return result, nil
	}
	if err := json.Unmarshal(responseBodyBytes, &result); err != nil {
		return empty, err
	}
	return result, nil
}
