package shimmer

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"
)

const (
	MimeJSON              = "application/json"
	MimeSerializerV1      = "application/vnd.iota.serializer-v1"
	maxResponseBodyLength = 32 << 20
)

type Purpose int

const (
	PurposeRead Purpose = iota
	// PurposePow marks calls that may need the node to do proof of work,
	// i.e. block submission without local pow.
	PurposePow
)

func (p Purpose) String() string {
	switch p {
	case PurposeRead:
		return "read"
	case PurposePow:
		return "pow"
	default:
		return "unknown"
	}
}

// RequestSpec describes one node api call independent of the node it is sent
// to. Timeout overrides the manager's api timeout when set.
type RequestSpec struct {
	Method       string
	Path         string
	Query        url.Values
	Body         []byte
	ContentType  string
	AcceptBinary bool
	Purpose      Purpose
	Timeout      time.Duration
}

func Get(path string) RequestSpec {
	return RequestSpec{Method: http.MethodGet, Path: path}
}

func PostJSON(path string, body []byte) RequestSpec {
	return RequestSpec{Method: http.MethodPost, Path: path, Body: body, ContentType: MimeJSON}
}

func (s RequestSpec) method() string {
	if s.Method == "" {
		return http.MethodGet
	}
	return s.Method
}

type Response struct {
	StatusCode int
	Body       []byte
	URL        string
}

// Transport executes a single call against a single node. Implementations
// must return a *TransportError for non-2xx responses.
type Transport interface {
	Do(ctx context.Context, node Node, spec RequestSpec) (*Response, error)
}

type HttpTransport struct {
	client  *http.Client
	maxBody int64
}

var _ Transport = &HttpTransport{}

func NewHttpTransport(client *http.Client) *HttpTransport {
	if client == nil {
		client = &http.Client{}
	}
	return &HttpTransport{client: client, maxBody: maxResponseBodyLength}
}

func (t *HttpTransport) Do(ctx context.Context, node Node, spec RequestSpec) (rsp *Response, err error) {
	endpoint := node.Endpoint(spec.Path, spec.Query)

	var body io.Reader
	if spec.Body != nil {
		body = bytes.NewReader(spec.Body)
	}

	req, err := http.NewRequestWithContext(ctx, spec.method(), endpoint, body)
	if err != nil {
		err = &TransportError{URL: endpoint, Err: errors.WithStack(err)}
		return
	}

	if node.Auth != nil {
		if node.Auth.JWT != "" {
			req.Header.Set("Authorization", "Bearer "+node.Auth.JWT)
		} else if node.Auth.BasicAuthName != "" {
			req.SetBasicAuth(node.Auth.BasicAuthName, node.Auth.BasicAuthPassword)
		}
	}

	if spec.AcceptBinary {
		req.Header.Set("Accept", MimeSerializerV1)
	} else {
		req.Header.Set("Accept", MimeJSON)
	}

	if spec.Body != nil {
		contentType := spec.ContentType
		if contentType == "" {
			contentType = MimeJSON
		}
		req.Header.Set("Content-Type", contentType)
	}

	httpRsp, err := t.client.Do(req)
	if err != nil {
		err = &TransportError{URL: endpoint, Err: errors.WithStack(err)}
		return
	}
	defer httpRsp.Body.Close()

	maxBody := t.maxBody
	if maxBody <= 0 {
		maxBody = maxResponseBodyLength
	}

	out, err := io.ReadAll(io.LimitReader(httpRsp.Body, maxBody+1))
	if err != nil {
		err = &TransportError{Code: httpRsp.StatusCode, URL: endpoint, Err: errors.Wrap(err, "failed to read response body")}
		return
	}
	if int64(len(out)) > maxBody {
		err = &TransportError{Code: httpRsp.StatusCode, URL: endpoint, Err: errors.Errorf("response body exceeds %d bytes", maxBody)}
		return
	}

	if httpRsp.StatusCode < 200 || httpRsp.StatusCode > 299 {
		err = &TransportError{Code: httpRsp.StatusCode, Text: string(out), URL: endpoint}
		return
	}

	rsp = &Response{
		StatusCode: httpRsp.StatusCode,
		Body:       out,
		URL:        endpoint,
	}

	return
}
