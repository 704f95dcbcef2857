package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"

	"go.uber.org/zap"

	"github.com/famomatic/bilicrawl/internal/download"
	"github.com/famomatic/bilicrawl/internal/store"
)

const defaultAPIBase = "https://api.bilibili.com"

// fnvalDash asks the play-url endpoint for DASH streams with a durl
// fallback for content that only exists muxed.
const fnvalDash = 16

// Candidate is one search hit, enough to decide whether the record is worth
// fetching in full.
type Candidate struct {
	ID      string
	Title   string
	Author  string
	Pubdate int64
}

// Searcher finds candidate records for a keyword, one page at a time. An
// empty page means the results are exhausted.
type Searcher interface {
	Search(ctx context.Context, keyword string, page, pageSize int, order string) ([]Candidate, error)
}

// InfoFetcher loads the full metadata for one record id.
type InfoFetcher interface {
	FetchInfo(ctx context.Context, id string) (*store.Record, error)
}

// api implements Searcher, InfoFetcher and download.StreamSource against the
// platform's REST endpoints.
type api struct {
	base    string
	http    *http.Client
	cred    Credential
	ua      string
	quality int
	log     *zap.Logger
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (a *api) get(ctx context.Context, path string, params url.Values, out any) error {
	u := a.base + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", a.ua)
	req.Header.Set("Referer", "https://www.bilibili.com")
	if a.cred.SESSDATA != "" {
		req.AddCookie(&http.Cookie{Name: "SESSDATA", Value: a.cred.SESSDATA})
	}
	if a.cred.BiliJCT != "" {
		req.AddCookie(&http.Cookie{Name: "bili_jct", Value: a.cred.BiliJCT})
	}
	if a.cred.Buvid3 != "" {
		req.AddCookie(&http.Cookie{Name: "buvid3", Value: a.cred.Buvid3})
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("api %s: status=%d", path, resp.StatusCode)
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("api %s: decode: %w", path, err)
	}
	if env.Code != 0 {
		return &APIError{Code: env.Code, Message: env.Message, Path: path}
	}
	if out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("api %s: decode data: %w", path, err)
		}
	}
	return nil
}

// emMarkup is the keyword highlighting the search endpoint embeds in titles.
var emMarkup = regexp.MustCompile(`</?em[^>]*>`)

func (a *api) Search(ctx context.Context, keyword string, page, pageSize int, order string) ([]Candidate, error) {
	params := url.Values{}
	params.Set("search_type", "video")
	params.Set("keyword", keyword)
	params.Set("page", strconv.Itoa(page))
	params.Set("page_size", strconv.Itoa(pageSize))
	if order != "" {
		params.Set("order", order)
	}

	var data struct {
		Result []struct {
			BVID    string `json:"bvid"`
			Title   string `json:"title"`
			Author  string `json:"author"`
			Pubdate int64  `json:"pubdate"`
		} `json:"result"`
	}
	if err := a.get(ctx, "/x/web-interface/search/type", params, &data); err != nil {
		return nil, err
	}

	candidates := make([]Candidate, 0, len(data.Result))
	for _, r := range data.Result {
		if r.BVID == "" {
			continue
		}
		candidates = append(candidates, Candidate{
			ID:      r.BVID,
			Title:   emMarkup.ReplaceAllString(r.Title, ""),
			Author:  r.Author,
			Pubdate: r.Pubdate,
		})
	}
	return candidates, nil
}

// viewData is the subset of the view endpoint the record needs; the full
// payload is preserved in Record.Extra.
type viewData struct {
	BVID     string `json:"bvid"`
	CID      int64  `json:"cid"`
	Title    string `json:"title"`
	Duration int64  `json:"duration"`
	Pubdate  int64  `json:"pubdate"`
	Owner    struct {
		Name string `json:"name"`
	} `json:"owner"`
	Stat struct {
		View int64 `json:"view"`
		Like int64 `json:"like"`
	} `json:"stat"`
}

func (a *api) FetchInfo(ctx context.Context, id string) (*store.Record, error) {
	params := url.Values{}
	params.Set("bvid", id)

	var raw json.RawMessage
	if err := a.get(ctx, "/x/web-interface/view", params, &raw); err != nil {
		return nil, err
	}
	var view viewData
	if err := json.Unmarshal(raw, &view); err != nil {
		return nil, fmt.Errorf("parse view data for %s: %w", id, err)
	}

	rec := &store.Record{
		ID: id,
		Info: store.VideoInfo{
			Title:    view.Title,
			Duration: view.Duration,
			Pubdate:  view.Pubdate,
			Owner:    view.Owner.Name,
			View:     view.Stat.View,
			Like:     view.Stat.Like,
		},
		Extra: raw,
	}

	tags, err := a.fetchTags(ctx, id)
	if err != nil {
		// Tags are enrichment; the record is still worth keeping.
		a.log.Warn("failed to fetch tags", zap.String("bvid", id), zap.Error(err))
	} else {
		rec.Tags = tags
	}
	return rec, nil
}

func (a *api) fetchTags(ctx context.Context, id string) ([]string, error) {
	params := url.Values{}
	params.Set("bvid", id)

	var data []struct {
		TagName string `json:"tag_name"`
	}
	if err := a.get(ctx, "/x/tag/archive/tags", params, &data); err != nil {
		return nil, err
	}
	tags := make([]string, 0, len(data))
	for _, t := range data {
		if t.TagName != "" {
			tags = append(tags, t.TagName)
		}
	}
	return tags, nil
}

// ResolveStreams looks up the play URL for id. DASH responses become split
// video and audio streams; legacy durl responses are a single muxed stream.
func (a *api) ResolveStreams(ctx context.Context, id string) (download.StreamSet, error) {
	params := url.Values{}
	params.Set("bvid", id)

	var view viewData
	if err := a.get(ctx, "/x/web-interface/view", params, &view); err != nil {
		return download.StreamSet{}, err
	}
	if view.CID == 0 {
		return download.StreamSet{}, fmt.Errorf("%s: %w", id, ErrNoStreams)
	}

	params = url.Values{}
	params.Set("bvid", id)
	params.Set("cid", strconv.FormatInt(view.CID, 10))
	params.Set("qn", strconv.Itoa(a.quality))
	params.Set("fnval", strconv.Itoa(fnvalDash))

	var data struct {
		Durl []struct {
			URL string `json:"url"`
		} `json:"durl"`
		Dash struct {
			Video []struct {
				ID      int    `json:"id"`
				BaseURL string `json:"baseUrl"`
			} `json:"video"`
			Audio []struct {
				BaseURL string `json:"baseUrl"`
			} `json:"audio"`
		} `json:"dash"`
	}
	if err := a.get(ctx, "/x/player/playurl", params, &data); err != nil {
		return download.StreamSet{}, err
	}

	headers := http.Header{}
	headers.Set("User-Agent", a.ua)
	headers.Set("Referer", "https://www.bilibili.com")

	if len(data.Dash.Video) > 0 && len(data.Dash.Audio) > 0 {
		return download.StreamSet{
			VideoURL: pickVideo(data.Dash.Video, a.quality),
			AudioURL: data.Dash.Audio[0].BaseURL,
			Headers:  headers,
		}, nil
	}
	if len(data.Durl) > 0 && data.Durl[0].URL != "" {
		return download.StreamSet{Muxed: data.Durl[0].URL, Headers: headers}, nil
	}
	return download.StreamSet{}, fmt.Errorf("%s: %w", id, ErrNoStreams)
}

// pickVideo prefers the representation at the requested quality, then the
// closest one below it, then the lowest available.
func pickVideo(videos []struct {
	ID      int    `json:"id"`
	BaseURL string `json:"baseUrl"`
}, quality int) string {
	best := -1
	lowest := 0
	for i, v := range videos {
		if v.ID <= quality && (best < 0 || v.ID > videos[best].ID) {
			best = i
		}
		if v.ID < videos[lowest].ID {
			lowest = i
		}
	}
	if best >= 0 {
		return videos[best].BaseURL
	}
	return videos[lowest].BaseURL
}
