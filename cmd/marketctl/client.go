package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/urfave/cli/v2"
)

// apiError is the error envelope returned by marketd.
type apiError struct {
	Code          string `json:"code"`
	Kind          string `json:"kind"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlationId"`
	Status        int    `json:"-"`
}

func (e *apiError) Error() string {
	if e.CorrelationID == "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s (correlation id %s)", e.Code, e.Message, e.CorrelationID)
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *apiError       `json:"error"`
}

// apiClient talks to a marketd instance.
type apiClient struct {
	http *resty.Client
}

func newClient(cctx *cli.Context) *apiClient {
	c := resty.New().
		SetBaseURL(strings.TrimRight(cctx.String("api"), "/")).
		SetTimeout(cctx.Duration("timeout")).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "datamarket/marketctl")
	if tok := cctx.String("token"); tok != "" {
		c.SetAuthToken(tok)
	}
	return &apiClient{http: c}
}

// do sends a request and decodes the data member of the response into out.
// Mutations carry a fresh Idempotency-Key so a retried command is not applied twice.
func (a *apiClient) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	req := a.http.R().SetContext(ctx)
	if query != nil {
		req.SetQueryParamsFromValues(query)
	}
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}
	if method == resty.MethodPost {
		req.SetHeader("Idempotency-Key", uuid.NewString())
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", method, path, err)
	}
	return decodeEnvelope(resp, out)
}

func (a *apiClient) get(ctx context.Context, path string, query url.Values, out interface{}) error {
	return a.do(ctx, resty.MethodGet, path, query, nil, out)
}

func decodeEnvelope(resp *resty.Response, out interface{}) error {
	if len(resp.Body()) == 0 {
		if resp.IsError() {
			return &apiError{Code: resp.Status(), Message: "empty response", Status: resp.StatusCode()}
		}
		return nil
	}
	var env envelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return fmt.Errorf("decode response (status %d): %w", resp.StatusCode(), err)
	}
	if env.Error != nil {
		env.Error.Status = resp.StatusCode()
		return env.Error
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	return json.Unmarshal(env.Data, out)
}

// upload posts a multipart publish request.
func (a *apiClient) upload(ctx context.Context, path string, fields map[string]string) (string, error) {
	var out struct {
		JobID string `json:"jobId"`
	}
	resp, err := a.http.R().
		SetContext(ctx).
		SetHeader("Idempotency-Key", uuid.NewString()).
		SetFile("file", path).
		SetFormData(fields).
		Post("/v1/publish")
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", path, err)
	}
	if err := decodeEnvelope(resp, &out); err != nil {
		return "", err
	}
	return out.JobID, nil
}

// download streams a dataset into w and returns the byte count and the integrity
// verdict the daemon sent after the body.
func (a *apiClient) download(ctx context.Context, datasetID string, w io.Writer) (int64, string, error) {
	resp, err := a.http.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get("/v1/datasets/" + url.PathEscape(datasetID) + "/download")
	if err != nil {
		return 0, "", fmt.Errorf("download %s: %w", datasetID, err)
	}
	raw := resp.RawBody()
	defer raw.Close()

	if resp.IsError() {
		body, err := io.ReadAll(raw)
		if err != nil {
			return 0, "", err
		}
		var env envelope
		if json.Unmarshal(body, &env) == nil && env.Error != nil {
			env.Error.Status = resp.StatusCode()
			return 0, "", env.Error
		}
		return 0, "", fmt.Errorf("download %s: %s", datasetID, resp.Status())
	}
	n, err := io.Copy(w, raw)
	if err != nil {
		return n, "", fmt.Errorf("download %s: %w", datasetID, err)
	}
	// Trailers are only populated once the body has been read to EOF.
	return n, resp.RawResponse.Trailer.Get("X-Integrity"), nil
}

// waitJob polls a publish job until it reaches a terminal stage.
func (a *apiClient) waitJob(ctx context.Context, id string, interval time.Duration, onProgress func(jobView)) (jobView, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	last := ""
	for {
		var job jobView
		if err := a.get(ctx, "/v1/publish/"+url.PathEscape(id), nil, &job); err != nil {
			return job, err
		}
		if key := string(job.Progress.Stage) + job.Progress.Message; key != last {
			last = key
			onProgress(job)
		}
		if job.Progress.Stage.Terminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}
