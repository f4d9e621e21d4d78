// Package twitter implements the Twitter/X profile strategies: the
// cookie-authenticated GraphQL API, a nitter-style HTML mirror, the mirror's
// RSS feed and a real browser bound to a persisted profile.
package twitter

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"watchbot/internal/credentials"
	"watchbot/internal/normalize"
	"watchbot/internal/poller"
	"watchbot/internal/source"
)

const (
	DefaultGraphQLBase = "https://x.com/i/api/graphql"

	// DefaultBearer is the public token embedded in the x.com web client.
	DefaultBearer = "AAAAAAAAAAAAAAAAAAAAANRILgAAAAAAnNwIzUejRCOuH5E6I8xnZz4puTs%3D1Zv7ttfk8LF81IUq16cHjhLTvJu4FA33AGWWjCpTnA"

	DefaultUserByScreenNameID = "xmU6X_CKVnQ5lSrCbAmJsg"
	DefaultUserTweetsID       = "E3opETHurmVJflFsUBVuUQ"

	maxLimit = 40
)

// defaultFeatures is the feature flag set the web client sends. Unknown or
// missing flags make the endpoint answer 400, so it is configurable.
var defaultFeatures = map[string]bool{
	"responsive_web_graphql_exclude_directive_enabled":                        true,
	"verified_phone_label_enabled":                                            false,
	"creator_subscriptions_tweet_preview_api_enabled":                         true,
	"responsive_web_graphql_timeline_navigation_enabled":                      true,
	"responsive_web_graphql_skip_user_profile_image_extensions_enabled":       false,
	"tweetypie_unmention_optimization_enabled":                                true,
	"responsive_web_edit_tweet_api_enabled":                                   true,
	"graphql_is_translatable_rweb_tweet_is_translatable_enabled":              true,
	"view_counts_everywhere_api_enabled":                                      true,
	"longform_notetweets_consumption_enabled":                                 true,
	"responsive_web_twitter_article_tweet_consumption_enabled":                false,
	"tweet_awards_web_tipping_enabled":                                        false,
	"freedom_of_speech_not_reach_fetch_enabled":                               true,
	"standardized_nudges_misinfo":                                             true,
	"tweet_with_visibility_results_prefer_gql_limited_actions_policy_enabled": true,
	"longform_notetweets_rich_text_read_enabled":                              true,
	"longform_notetweets_inline_media_enabled":                                true,
	"responsive_web_enhance_cards_enabled":                                    false,
	"hidden_profile_likes_enabled":                                            true,
	"highlights_tweets_tab_ui_enabled":                                        true,
	"subscriptions_verification_info_verified_since_enabled":                  true,
}

// API reads a profile timeline through the web client's GraphQL endpoints
// using an auth_token/ct0 cookie session.
type API struct {
	Base               string
	Bearer             string
	UserByScreenNameID string
	UserTweetsID       string
	Features           map[string]bool
	IncludePinned      bool

	HTTP  *poller.HTTPClient
	Creds credentials.Provider
	Norm  normalize.Normalizer

	lookups singleflight.Group
	mu      sync.RWMutex
	userIDs map[string]string
}

func (a *API) Kind() source.StrategyKind { return source.StrategyAPI }

func (a *API) Available(source.Source) bool {
	_, ok := a.session()
	return ok
}

func (a *API) session() (credentials.Credential, bool) {
	if a.Creds == nil {
		return credentials.Credential{}, false
	}
	c, ok := a.Creds.Credential(source.Twitter)
	if !ok || strings.TrimSpace(c.AuthCookie) == "" || strings.TrimSpace(c.CSRF) == "" {
		return credentials.Credential{}, false
	}
	return c, true
}

func (a *API) Fetch(ctx context.Context, src source.Source, limit int) ([]source.Item, error) {
	cred, ok := a.session()
	if !ok {
		return nil, poller.ErrUnavailable
	}
	if limit <= 0 || limit > maxLimit {
		limit = maxLimit
	}
	screen := strings.ToLower(src.Ref.Identifier)
	userID, err := a.userID(ctx, cred, screen)
	if err != nil {
		return nil, err
	}

	vars := map[string]any{
		"userId":                                 userID,
		"count":                                  limit,
		"includePromotedContent":                 false,
		"withQuickPromoteEligibilityTweetFields": false,
		"withVoice":                              false,
		"withV2Timeline":                         true,
	}
	body, err := a.get(ctx, cred, a.queryID(a.UserTweetsID, DefaultUserTweetsID), "UserTweets", vars)
	if err != nil {
		return nil, err
	}
	tweets, found, err := walkTimeline(body)
	if err != nil {
		return nil, poller.ParseError("UserTweets: %v", err)
	}
	if !found {
		return nil, poller.ParseError("UserTweets: no timeline instructions for %s", screen)
	}

	out := make([]source.Item, 0, len(tweets))
	for _, w := range tweets {
		if w.Pinned && !a.IncludePinned {
			continue
		}
		if it, ok := a.Norm.Tweet(w.Tweet, src.Ref); ok {
			out = append(out, it)
		}
	}
	sortNewestFirst(out)
	return out, nil
}

// userID resolves and caches screen name -> rest_id. Concurrent lookups for
// the same name share one request.
func (a *API) userID(ctx context.Context, cred credentials.Credential, screen string) (string, error) {
	a.mu.RLock()
	id, ok := a.userIDs[screen]
	a.mu.RUnlock()
	if ok {
		return id, nil
	}

	v, err, _ := a.lookups.Do(screen, func() (any, error) {
		vars := map[string]any{"screen_name": screen, "withSafetyModeUserFields": true}
		body, err := a.get(ctx, cred, a.queryID(a.UserByScreenNameID, DefaultUserByScreenNameID), "UserByScreenName", vars)
		if err != nil {
			return "", err
		}
		var resp userResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return "", poller.ParseError("UserByScreenName: %v", err)
		}
		id := strings.TrimSpace(resp.Data.User.Result.RestID)
		if id == "" {
			if len(resp.Errors) > 0 {
				return "", poller.ParseError("UserByScreenName %s: %s", screen, resp.Errors[0].Message)
			}
			return "", poller.ParseError("UserByScreenName %s: user not found", screen)
		}
		a.mu.Lock()
		if a.userIDs == nil {
			a.userIDs = make(map[string]string)
		}
		a.userIDs[screen] = id
		a.mu.Unlock()
		return id, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (a *API) queryID(configured, def string) string {
	if s := strings.TrimSpace(configured); s != "" {
		return s
	}
	return def
}

func (a *API) get(ctx context.Context, cred credentials.Credential, queryID, op string, vars map[string]any) ([]byte, error) {
	vj, err := json.Marshal(vars)
	if err != nil {
		return nil, fmt.Errorf("encode variables: %w", err)
	}
	feats := a.Features
	if len(feats) == 0 {
		feats = defaultFeatures
	}
	fj, err := json.Marshal(feats)
	if err != nil {
		return nil, fmt.Errorf("encode features: %w", err)
	}

	base := strings.TrimRight(a.Base, "/")
	if base == "" {
		base = DefaultGraphQLBase
	}
	q := url.Values{}
	q.Set("variables", string(vj))
	q.Set("features", string(fj))
	u := base + "/" + url.PathEscape(queryID) + "/" + op + "?" + q.Encode()

	bearer := a.Bearer
	if bearer == "" {
		bearer = DefaultBearer
	}
	h := http.Header{}
	h.Set("Authorization", "Bearer "+bearer)
	h.Set("Cookie", "auth_token="+cred.AuthCookie+"; ct0="+cred.CSRF)
	h.Set("x-csrf-token", cred.CSRF)
	h.Set("x-twitter-auth-type", "OAuth2Session")
	h.Set("x-twitter-active-user", "yes")
	h.Set("Accept", "application/json")
	return a.HTTP.Get(ctx, u, h)
}

// sortNewestFirst orders by numeric id; tweet ids are time-ordered snowflakes.
// Non-numeric ids keep their relative position.
func sortNewestFirst(items []source.Item) {
	slices.SortStableFunc(items, func(a, b source.Item) int {
		x, errA := strconv.ParseUint(a.ID, 10, 64)
		y, errB := strconv.ParseUint(b.ID, 10, 64)
		if errA != nil || errB != nil {
			return 0
		}
		return cmp.Compare(y, x)
	})
}

func sortNewestFirstBy(items []source.Item, key func(source.Item) time.Time) {
	slices.SortStableFunc(items, func(a, b source.Item) int { return key(b).Compare(key(a)) })
}
