// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package remote talks to a model server hosting the vision-language model
// and the image-text relevance model.
//
// Endpoints:
//
//	POST /v1/forward           one decoder step for one branch
//	POST /v1/relevance/match   global image-text match score
//	POST /v1/relevance/map     coarse relevance map for an image-text pair
//
// Decoder caches stay on the server; the client only carries their handle.
package remote

import (
	"bytes"
	"context"
	"fmt"
	"image/png"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic/decoder"
	"github.com/bytedance/sonic/encoder"
	"go.uber.org/zap"

	"github.com/antflydb/tricd/lib/backends"
	"github.com/antflydb/tricd/lib/pipelines"
	"github.com/antflydb/tricd/lib/saliency"
)

// DefaultTimeout bounds a single request when no HTTP client is supplied.
const DefaultTimeout = 2 * time.Minute

// Client is a model server client.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

// NewClient creates a client for the server at baseURL
// (e.g. "http://localhost:8000").
func NewClient(baseURL string, httpClient *http.Client, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    httpClient,
		logger:  logger,
	}
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("model server %s returned %d: %s", e.Path, e.StatusCode, e.Body)
}

func (c *Client) post(ctx context.Context, path string, req, resp any) error {
	var body bytes.Buffer
	if err := encoder.NewStreamEncoder(&body).Encode(req); err != nil {
		return fmt.Errorf("encoding %s request: %w", path, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &body)
	if err != nil {
		return fmt.Errorf("creating %s request: %w", path, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("calling %s: %w", path, err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return &StatusError{Path: path, StatusCode: httpResp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if err := decoder.NewStreamDecoder(httpResp.Body).Decode(resp); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

type forwardImage struct {
	Pixels   []float32 `json:"pixels"`
	Batch    int       `json:"batch"`
	Channels int       `json:"channels"`
	Height   int       `json:"height"`
	Width    int       `json:"width"`
}

type forwardCache struct {
	Handle string `json:"handle"`
	SeqLen int    `json:"seq_len"`
}

type forwardRequest struct {
	Model    string        `json:"model"`
	InputIDs [][]int32     `json:"input_ids"`
	Image    *forwardImage `json:"image,omitempty"`
	Cache    *forwardCache `json:"cache,omitempty"`
}

type forwardResponse struct {
	Logits [][]float32   `json:"logits"`
	Cache  *forwardCache `json:"cache,omitempty"`
}

// Model is a remote decoder implementing backends.Model.
type Model struct {
	client *Client
	name   string
}

// Model returns a handle to the named decoder on the server.
func (c *Client) Model(name string) *Model {
	return &Model{client: c, name: name}
}

// Forward runs one decoder step on the server.
func (m *Model) Forward(ctx context.Context, inputs *backends.ModelInputs) (*backends.ModelOutput, error) {
	req := forwardRequest{Model: m.name, InputIDs: inputs.InputIDs}
	if len(inputs.ImagePixels) > 0 {
		req.Image = &forwardImage{
			Pixels:   inputs.ImagePixels,
			Batch:    inputs.ImageBatch,
			Channels: inputs.ImageChannels,
			Height:   inputs.ImageHeight,
			Width:    inputs.ImageWidth,
		}
	}
	if kv := inputs.PastKeyValues; kv != nil {
		req.Cache = &forwardCache{Handle: kv.Handle, SeqLen: kv.SeqLen}
	}

	var resp forwardResponse
	if err := m.client.post(ctx, "/v1/forward", req, &resp); err != nil {
		return nil, err
	}

	out := &backends.ModelOutput{Logits: resp.Logits}
	if resp.Cache != nil {
		out.PastKeyValues = &backends.KVCache{
			Handle:    resp.Cache.Handle,
			SeqLen:    resp.Cache.SeqLen,
			BatchSize: len(inputs.InputIDs),
		}
	}
	return out, nil
}

func (m *Model) Close() error                  { return nil }
func (m *Model) Name() string                  { return m.name }
func (m *Model) Backend() backends.BackendType { return backends.BackendRemote }

type relevanceRequest struct {
	Model string `json:"model"`
	Query string `json:"query"`
	Image []byte `json:"image"`
}

type matchResponse struct {
	Score float64 `json:"score"`
}

type mapResponse struct {
	Height int       `json:"height"`
	Width  int       `json:"width"`
	Data   []float32 `json:"data"`
}

// RelevanceModel is a remote image-text matcher implementing
// saliency.RelevanceModel. Images are sent as PNG.
type RelevanceModel struct {
	client    *Client
	name      string
	processor *pipelines.ImageProcessor
}

// Relevance returns a handle to the named relevance model on the server.
// Tensors passed to it must be raw pixels as produced by ImageProcessor.Pixels.
func (c *Client) Relevance(name string, processor *pipelines.ImageProcessor) *RelevanceModel {
	if processor == nil {
		processor = pipelines.NewImageProcessor(nil)
	}
	return &RelevanceModel{client: c, name: name, processor: processor}
}

func (r *RelevanceModel) request(img *backends.ImageTensor, query string) (relevanceRequest, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, r.processor.ToImage(img)); err != nil {
		return relevanceRequest{}, fmt.Errorf("encoding image: %w", err)
	}
	return relevanceRequest{Model: r.name, Query: query, Image: buf.Bytes()}, nil
}

// MatchScore implements saliency.RelevanceModel.
func (r *RelevanceModel) MatchScore(ctx context.Context, img *backends.ImageTensor, query string) (float64, error) {
	req, err := r.request(img, query)
	if err != nil {
		return 0, err
	}
	var resp matchResponse
	if err := r.client.post(ctx, "/v1/relevance/match", req, &resp); err != nil {
		return 0, err
	}
	return resp.Score, nil
}

// RelevanceMap implements saliency.RelevanceModel.
func (r *RelevanceModel) RelevanceMap(ctx context.Context, img *backends.ImageTensor, query string) (*backends.RelevanceMap, error) {
	req, err := r.request(img, query)
	if err != nil {
		return nil, err
	}
	var resp mapResponse
	if err := r.client.post(ctx, "/v1/relevance/map", req, &resp); err != nil {
		return nil, err
	}
	r.client.logger.Debug("Fetched relevance map",
		zap.String("model", r.name),
		zap.Int("height", resp.Height),
		zap.Int("width", resp.Width))
	return &backends.RelevanceMap{Height: resp.Height, Width: resp.Width, Data: resp.Data}, nil
}

var (
	_ backends.Model          = (*Model)(nil)
	_ saliency.RelevanceModel = (*RelevanceModel)(nil)
)
