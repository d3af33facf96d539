package ops

import (
	"context"
	"strings"

	"connectrpc.com/connect"
)

// Client calls the ops service of a running server.
type Client struct {
	health *connect.Client[GetHealthRequest, GetHealthResponse]
	stats  *connect.Client[GetStatsRequest, GetStatsResponse]
}

// NewClient creates a client for the server at baseURL, e.g. http://localhost:8080
func NewClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	opts = append([]connect.ClientOption{connect.WithCodec(jsonCodec{})}, opts...)
	return &Client{
		health: connect.NewClient[GetHealthRequest, GetHealthResponse](httpClient, baseURL+GetHealthProcedure, opts...),
		stats:  connect.NewClient[GetStatsRequest, GetStatsResponse](httpClient, baseURL+GetStatsProcedure, opts...),
	}
}

func (c *Client) GetHealth(ctx context.Context) (*GetHealthResponse, error) {
	resp, err := c.health.CallUnary(ctx, connect.NewRequest(&GetHealthRequest{}))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

func (c *Client) GetStats(ctx context.Context, largestRooms int) (*GetStatsResponse, error) {
	resp, err := c.stats.CallUnary(ctx, connect.NewRequest(&GetStatsRequest{LargestRooms: largestRooms}))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}
