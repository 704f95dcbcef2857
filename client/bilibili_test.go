package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeAPI serves the platform endpoints used by the collaborators.
func fakeAPI(t *testing.T, handler func(path string, q map[string]string) (any, int)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := map[string]string{}
		for k, vs := range r.URL.Query() {
			q[k] = vs[0]
		}
		data, code := handler(r.URL.Path, q)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"code":    code,
			"message": "",
			"data":    data,
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testAPI(srv *httptest.Server) *api {
	return &api{
		base:    srv.URL,
		http:    srv.Client(),
		ua:      "test-agent",
		quality: 32,
		log:     zap.NewNop(),
	}
}

func TestSearch_StripsMarkup(t *testing.T) {
	srv := fakeAPI(t, func(path string, q map[string]string) (any, int) {
		require.Equal(t, "/x/web-interface/search/type", path)
		require.Equal(t, "video", q["search_type"])
		require.Equal(t, "cats", q["keyword"])
		return map[string]any{
			"result": []map[string]any{
				{"bvid": "BV1aa411aaaa", "title": `funny <em class="keyword">cats</em> compilation`, "author": "u1", "pubdate": 1716182400},
				{"bvid": "", "title": "no id"},
			},
		}, 0
	})

	got, err := testAPI(srv).Search(context.Background(), "cats", 1, 30, "pubdate")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "funny cats compilation", got[0].Title)
	assert.Equal(t, "BV1aa411aaaa", got[0].ID)
}

func TestSearch_APIErrorCode(t *testing.T) {
	srv := fakeAPI(t, func(string, map[string]string) (any, int) {
		return nil, -412
	})

	_, err := testAPI(srv).Search(context.Background(), "cats", 1, 30, "")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.True(t, apiErr.IsRateLimited())
}

func TestFetchInfo(t *testing.T) {
	srv := fakeAPI(t, func(path string, q map[string]string) (any, int) {
		switch path {
		case "/x/web-interface/view":
			return map[string]any{
				"bvid":     "BV1aa411aaaa",
				"cid":      7001,
				"title":    "a video",
				"duration": 120,
				"pubdate":  1716182400,
				"owner":    map[string]any{"name": "uploader"},
				"stat":     map[string]any{"view": 1000, "like": 50},
			}, 0
		case "/x/tag/archive/tags":
			return []map[string]any{{"tag_name": "news"}, {"tag_name": "daily"}}, 0
		}
		return nil, -404
	})

	rec, err := testAPI(srv).FetchInfo(context.Background(), "BV1aa411aaaa")
	require.NoError(t, err)
	assert.Equal(t, "a video", rec.Info.Title)
	assert.Equal(t, int64(120), rec.Info.Duration)
	assert.Equal(t, "uploader", rec.Info.Owner)
	assert.Equal(t, int64(1000), rec.Info.View)
	assert.Equal(t, []string{"news", "daily"}, rec.Tags)
	assert.NotEmpty(t, rec.Extra)
}

func TestFetchInfo_TagFailureTolerated(t *testing.T) {
	srv := fakeAPI(t, func(path string, q map[string]string) (any, int) {
		if path == "/x/web-interface/view" {
			return map[string]any{"bvid": "BV1aa411aaaa", "title": "a video", "duration": 10}, 0
		}
		return nil, -500
	})

	rec, err := testAPI(srv).FetchInfo(context.Background(), "BV1aa411aaaa")
	require.NoError(t, err)
	assert.Empty(t, rec.Tags)
}

func TestResolveStreams_Dash(t *testing.T) {
	srv := fakeAPI(t, func(path string, q map[string]string) (any, int) {
		switch path {
		case "/x/web-interface/view":
			return map[string]any{"bvid": "BV1aa411aaaa", "cid": 7001}, 0
		case "/x/player/playurl":
			require.Equal(t, "7001", q["cid"])
			require.Equal(t, "32", q["qn"])
			return map[string]any{
				"dash": map[string]any{
					"video": []map[string]any{
						{"id": 64, "baseUrl": "http://cdn.test/v64"},
						{"id": 32, "baseUrl": "http://cdn.test/v32"},
						{"id": 16, "baseUrl": "http://cdn.test/v16"},
					},
					"audio": []map[string]any{{"baseUrl": "http://cdn.test/a"}},
				},
			}, 0
		}
		return nil, -404
	})

	set, err := testAPI(srv).ResolveStreams(context.Background(), "BV1aa411aaaa")
	require.NoError(t, err)
	assert.True(t, set.Split())
	assert.Equal(t, "http://cdn.test/v32", set.VideoURL)
	assert.Equal(t, "http://cdn.test/a", set.AudioURL)
	assert.Equal(t, "test-agent", set.Headers.Get("User-Agent"))
}

func TestResolveStreams_Durl(t *testing.T) {
	srv := fakeAPI(t, func(path string, q map[string]string) (any, int) {
		switch path {
		case "/x/web-interface/view":
			return map[string]any{"bvid": "BV1aa411aaaa", "cid": 7001}, 0
		case "/x/player/playurl":
			return map[string]any{
				"durl": []map[string]any{{"url": "http://cdn.test/muxed.flv"}},
			}, 0
		}
		return nil, -404
	})

	set, err := testAPI(srv).ResolveStreams(context.Background(), "BV1aa411aaaa")
	require.NoError(t, err)
	assert.False(t, set.Split())
	assert.Equal(t, "http://cdn.test/muxed.flv", set.Muxed)
}

func TestResolveStreams_NoStreams(t *testing.T) {
	srv := fakeAPI(t, func(path string, q map[string]string) (any, int) {
		switch path {
		case "/x/web-interface/view":
			return map[string]any{"bvid": "BV1aa411aaaa", "cid": 7001}, 0
		case "/x/player/playurl":
			return map[string]any{}, 0
		}
		return nil, -404
	})

	_, err := testAPI(srv).ResolveStreams(context.Background(), "BV1aa411aaaa")
	assert.ErrorIs(t, err, ErrNoStreams)
}

func TestPickVideo_FallbackAboveRequested(t *testing.T) {
	srv := fakeAPI(t, func(path string, q map[string]string) (any, int) {
		switch path {
		case "/x/web-interface/view":
			return map[string]any{"bvid": "BV1aa411aaaa", "cid": 7001}, 0
		case "/x/player/playurl":
			// Only qualities above the requested one are offered.
			return map[string]any{
				"dash": map[string]any{
					"video": []map[string]any{
						{"id": 80, "baseUrl": "http://cdn.test/v80"},
						{"id": 64, "baseUrl": "http://cdn.test/v64"},
					},
					"audio": []map[string]any{{"baseUrl": "http://cdn.test/a"}},
				},
			}, 0
		}
		return nil, -404
	})

	set, err := testAPI(srv).ResolveStreams(context.Background(), "BV1aa411aaaa")
	require.NoError(t, err)
	assert.Equal(t, "http://cdn.test/v64", set.VideoURL)
}
