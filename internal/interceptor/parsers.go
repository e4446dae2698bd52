package interceptor

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	json "github.com/json-iterator/go"

	"github.com/xkilldash9x/proofwatch/api/schemas"
)

// All parsers decode into generic documents and pick fields by path so that
// unrelated shape drift on the platform side does not break extraction.
// Numbers are kept as literals; platform ids overflow float64 precision.
var jsonAPI = json.Config{UseNumber: true}.Froze()

// numberLiteral is satisfied by the number type produced under UseNumber.
type numberLiteral interface {
	String() string
}

func decode(ev schemas.ResponseEvent) (interface{}, error) {
	if len(ev.Body) == 0 {
		return nil, fmt.Errorf("%w: empty body from %s", schemas.ErrParse, ev.URL)
	}
	var doc interface{}
	if err := jsonAPI.Unmarshal(ev.Body, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", schemas.ErrParse, ev.URL, err)
	}
	if _, ok := doc.(map[string]interface{}); !ok {
		return nil, fmt.Errorf("%w: %s: top level is not an object", schemas.ErrParse, ev.URL)
	}
	return doc, nil
}

func dig(v interface{}, path ...string) interface{} {
	for _, k := range path {
		m, ok := v.(map[string]interface{})
		if !ok {
			return nil
		}
		v = m[k]
	}
	return v
}

func asString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case numberLiteral:
		return t.String()
	}
	return ""
}

func asInt64(v interface{}) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case string:
		n, _ := strconv.ParseInt(t, 10, 64)
		return n
	case numberLiteral:
		n, err := strconv.ParseInt(t.String(), 10, 64)
		if err != nil {
			f, _ := strconv.ParseFloat(t.String(), 64)
			return int64(f)
		}
		return n
	}
	return 0
}

func asFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	case numberLiteral:
		f, err := strconv.ParseFloat(t.String(), 64)
		return f, err == nil
	}
	return 0, false
}

func asBool(v interface{}) bool {
	b, _ := v.(bool)
	return b
}

func shapeError(ev schemas.ResponseEvent, what string) error {
	return fmt.Errorf("%w: %s: missing %s", schemas.ErrParse, ev.URL, what)
}

// -- Profiles --

// ParseInstagramProfile handles /api/v1/users/web_profile_info/.
func ParseInstagramProfile(ev schemas.ResponseEvent) (interface{}, error) {
	doc, err := decode(ev)
	if err != nil {
		return nil, err
	}
	user := dig(doc, "data", "user")
	if user == nil {
		return nil, shapeError(ev, "data.user")
	}
	p := &schemas.ProfileData{
		Username:         asString(dig(user, "username")),
		FullName:         asString(dig(user, "full_name")),
		UserID:           asString(dig(user, "id")),
		FollowerCount:    asInt64(dig(user, "edge_followed_by", "count")),
		FollowingCount:   asInt64(dig(user, "edge_follow", "count")),
		PostCount:        asInt64(dig(user, "edge_owner_to_timeline_media", "count")),
		IsPrivate:        asBool(dig(user, "is_private")),
		IsVerified:       asBool(dig(user, "is_verified")),
		FollowedByViewer: asBool(dig(user, "followed_by_viewer")),
	}
	if p.Username == "" {
		return nil, shapeError(ev, "data.user.username")
	}
	return p, nil
}

// ParseTwitterProfile handles the UserByScreenName GraphQL operation.
func ParseTwitterProfile(ev schemas.ResponseEvent) (interface{}, error) {
	doc, err := decode(ev)
	if err != nil {
		return nil, err
	}
	result := dig(doc, "data", "user", "result")
	legacy := dig(result, "legacy")
	if legacy == nil {
		return nil, shapeError(ev, "data.user.result.legacy")
	}
	p := &schemas.ProfileData{
		Username:         asString(dig(legacy, "screen_name")),
		FullName:         asString(dig(legacy, "name")),
		UserID:           asString(dig(result, "rest_id")),
		FollowerCount:    asInt64(dig(legacy, "followers_count")),
		FollowingCount:   asInt64(dig(legacy, "friends_count")),
		PostCount:        asInt64(dig(legacy, "statuses_count")),
		IsPrivate:        asBool(dig(legacy, "protected")),
		IsVerified:       asBool(dig(legacy, "verified")) || asBool(dig(result, "is_blue_verified")),
		FollowedByViewer: asBool(dig(legacy, "following")),
	}
	if p.Username == "" {
		return nil, shapeError(ev, "legacy.screen_name")
	}
	return p, nil
}

// ParseTikTokProfile handles /api/user/detail/. relation 1 is "following", 2 is
// "friends" (mutual follow).
func ParseTikTokProfile(ev schemas.ResponseEvent) (interface{}, error) {
	doc, err := decode(ev)
	if err != nil {
		return nil, err
	}
	user := dig(doc, "userInfo", "user")
	stats := dig(doc, "userInfo", "stats")
	if user == nil {
		return nil, shapeError(ev, "userInfo.user")
	}
	relation := asInt64(dig(user, "relation"))
	p := &schemas.ProfileData{
		Username:         asString(dig(user, "uniqueId")),
		FullName:         asString(dig(user, "nickname")),
		UserID:           asString(dig(user, "id")),
		FollowerCount:    asInt64(dig(stats, "followerCount")),
		FollowingCount:   asInt64(dig(stats, "followingCount")),
		PostCount:        asInt64(dig(stats, "videoCount")),
		IsPrivate:        asBool(dig(user, "privateAccount")),
		IsVerified:       asBool(dig(user, "verified")),
		FollowedByViewer: relation == 1 || relation == 2,
	}
	if p.Username == "" {
		return nil, shapeError(ev, "userInfo.user.uniqueId")
	}
	return p, nil
}

// -- Instagram write actions --

// ParseInstagramFriendship handles /api/v1/friendships/create/<user_pk>/. The
// response has no username; the pk is resolved against earlier profile payloads.
func ParseInstagramFriendship(ev schemas.ResponseEvent) (interface{}, error) {
	doc, err := decode(ev)
	if err != nil {
		return nil, err
	}
	fs := dig(doc, "friendship_status")
	if fs == nil {
		return nil, shapeError(ev, "friendship_status")
	}
	echo := &schemas.ActionEcho{RawID: pathSegmentAfter(ev.URL, "/friendships/create/")}
	switch {
	case asBool(dig(fs, "following")):
		echo.State = "following"
	case asBool(dig(fs, "outgoing_request")):
		echo.State = "requested"
	default:
		echo.State = "none"
	}
	return echo, nil
}

// ParseInstagramLike handles /api/v1/web/likes/<media_pk>/like/.
func ParseInstagramLike(ev schemas.ResponseEvent) (interface{}, error) {
	doc, err := decode(ev)
	if err != nil {
		return nil, err
	}
	return &schemas.ActionEcho{
		RawID: pathSegmentAfter(ev.URL, "/likes/"),
		State: asString(dig(doc, "status")),
	}, nil
}

// ParseInstagramComment handles /api/v1/web/comments/<media_pk>/add/.
func ParseInstagramComment(ev schemas.ResponseEvent) (interface{}, error) {
	doc, err := decode(ev)
	if err != nil {
		return nil, err
	}
	text := asString(dig(doc, "text"))
	if text == "" {
		return nil, shapeError(ev, "text")
	}
	return &schemas.ActionEcho{
		RawID: pathSegmentAfter(ev.URL, "/comments/"),
		State: asString(dig(doc, "status")),
		Text:  text,
	}, nil
}

// ParseInstagramMedia handles /api/v1/media/<pk>/info/ and yields the pk to
// shortcode mapping used to resolve like and comment echoes.
func ParseInstagramMedia(ev schemas.ResponseEvent) (interface{}, error) {
	doc, err := decode(ev)
	if err != nil {
		return nil, err
	}
	items, _ := dig(doc, "items").([]interface{})
	if len(items) == 0 {
		return nil, shapeError(ev, "items")
	}
	item := items[0]
	echo := &schemas.ActionEcho{
		Identifier: asString(dig(item, "code")),
		RawID:      asString(dig(item, "pk")),
	}
	if echo.Identifier == "" || echo.RawID == "" {
		return nil, shapeError(ev, "items[0].code/pk")
	}
	if asBool(dig(item, "has_liked")) {
		echo.References = map[schemas.ActionType][]string{schemas.ActionLike: {echo.Identifier}}
	}
	return echo, nil
}

// -- Twitter write actions and timelines --

// ParseTwitterFriendship handles /i/api/1.1/friendships/create.json, whose
// response is the followed user object.
func ParseTwitterFriendship(ev schemas.ResponseEvent) (interface{}, error) {
	doc, err := decode(ev)
	if err != nil {
		return nil, err
	}
	name := asString(dig(doc, "screen_name"))
	if name == "" {
		return nil, shapeError(ev, "screen_name")
	}
	return &schemas.ActionEcho{
		Identifier: name,
		RawID:      asString(dig(doc, "id_str")),
		State:      "following",
	}, nil
}

// ParseTwitterTimeline handles timeline reads and tweet mutations. It records,
// per action type, the tweet ids the viewer demonstrably acted on:
//   - viewer flags (legacy.favorited, legacy.retweeted) on any tweet in the document;
//   - reply-to, retweeted and quoted references of tweets created by the viewer
//     (CreateTweet, CreateRetweet);
//   - the tweet_id variable of successful FavoriteTweet / CreateRetweet calls.
func ParseTwitterTimeline(ev schemas.ResponseEvent) (interface{}, error) {
	doc, err := decode(ev)
	if err != nil {
		return nil, err
	}
	if dig(doc, "data") == nil {
		return nil, shapeError(ev, "data")
	}
	op := OperationName(ev.URL)
	vars := requestVariables(ev)
	refs := newRefSet()

	switch op {
	case "FavoriteTweet":
		if asString(dig(doc, "data", "favorite_tweet")) == "Done" {
			refs.add(schemas.ActionLike, asString(vars["tweet_id"]))
		}
	case "CreateRetweet":
		if dig(doc, "data", "create_retweet") != nil {
			refs.add(schemas.ActionRetweet, asString(vars["tweet_id"]))
		}
	case "CreateTweet":
		refs.add(schemas.ActionComment, asString(dig(vars["reply"], "in_reply_to_tweet_id")))
		if att := asString(vars["attachment_url"]); att != "" {
			refs.add(schemas.ActionRetweet, lastPathSegment(att))
		}
	}

	created := op == "CreateTweet" || op == "CreateRetweet"
	walkTweets(doc, func(tweet map[string]interface{}) {
		id := asString(tweet["rest_id"])
		legacy := tweet["legacy"]
		if asBool(dig(legacy, "favorited")) {
			refs.add(schemas.ActionLike, id)
		}
		if asBool(dig(legacy, "retweeted")) {
			refs.add(schemas.ActionRetweet, id)
		}
		if created {
			refs.add(schemas.ActionComment, asString(dig(legacy, "in_reply_to_status_id_str")))
			refs.add(schemas.ActionRetweet, asString(dig(legacy, "retweeted_status_result", "result", "rest_id")))
			refs.add(schemas.ActionRetweet, asString(dig(legacy, "quoted_status_id_str")))
		}
	})

	return &schemas.ActionEcho{State: op, References: refs.m}, nil
}

// walkTweets calls fn for every object that looks like a tweet result
// (has rest_id and legacy), at any depth.
func walkTweets(v interface{}, fn func(map[string]interface{})) {
	switch t := v.(type) {
	case map[string]interface{}:
		if _, ok := t["rest_id"]; ok {
			if _, ok := t["legacy"].(map[string]interface{}); ok {
				fn(t)
			}
		}
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			walkTweets(t[k], fn)
		}
	case []interface{}:
		for _, child := range t {
			walkTweets(child, fn)
		}
	}
}

// requestVariables returns the GraphQL variables of a request, from the JSON
// post body or from the "variables" query parameter.
func requestVariables(ev schemas.ResponseEvent) map[string]interface{} {
	var raw []byte
	if len(ev.RequestBody) > 0 {
		var body struct {
			Variables json.RawMessage `json:"variables"`
		}
		if err := jsonAPI.Unmarshal(ev.RequestBody, &body); err == nil {
			raw = body.Variables
		}
	} else if u, err := url.Parse(ev.URL); err == nil {
		raw = []byte(u.Query().Get("variables"))
	}
	vars := map[string]interface{}{}
	if len(raw) > 0 {
		_ = jsonAPI.Unmarshal(raw, &vars)
	}
	return vars
}

func lastPathSegment(raw string) string {
	p := strings.TrimRight(urlPath(raw), "/")
	return p[strings.LastIndexByte(p, '/')+1:]
}

type refSet struct {
	m map[schemas.ActionType][]string
}

func newRefSet() *refSet {
	return &refSet{m: map[schemas.ActionType][]string{}}
}

func (r *refSet) add(at schemas.ActionType, id string) {
	if id == "" {
		return
	}
	for _, existing := range r.m[at] {
		if existing == id {
			return
		}
	}
	r.m[at] = append(r.m[at], id)
}

// -- Analytics --

// ParseAnalytics extracts reach, impressions and audience breakdowns from an
// insights document. Breakdowns are found by key name at any depth and may be
// lists of {key|label|name, value|percentage|count} objects, {data_points: [...]}
// wrappers, or plain objects of numbers.
func ParseAnalytics(ev schemas.ResponseEvent) (interface{}, error) {
	doc, err := decode(ev)
	if err != nil {
		return nil, err
	}
	a := &schemas.AnalyticsData{}
	found := false
	walkKeys(doc, func(key string, v interface{}) {
		k := strings.ToLower(key)
		switch {
		case k == "reach" || k == "reach_count" || k == "accounts_reached":
			if n, ok := asFloat(v); ok {
				a.Reach, found = int64(n), true
			}
		case k == "impressions" || k == "impressions_count":
			if n, ok := asFloat(v); ok {
				a.Impressions, found = int64(n), true
			}
		case strings.Contains(k, "countr"):
			if b := breakdown(v); len(b) > 0 {
				a.Countries, found = b, true
			}
		case strings.HasPrefix(k, "age") || strings.Contains(k, "_age"):
			if b := breakdown(v); len(b) > 0 {
				a.AgeRanges, found = b, true
			}
		case strings.Contains(k, "gender"):
			if b := breakdown(v); len(b) > 0 {
				a.Genders, found = b, true
			}
		}
	})
	if !found {
		return nil, shapeError(ev, "analytics metrics")
	}
	return a, nil
}

// walkKeys visits keys in sorted order so that repeated parses of the same
// document agree when a metric appears more than once.
func walkKeys(v interface{}, fn func(string, interface{})) {
	switch t := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fn(k, t[k])
			walkKeys(t[k], fn)
		}
	case []interface{}:
		for _, child := range t {
			walkKeys(child, fn)
		}
	}
}

func breakdown(v interface{}) map[string]float64 {
	if pts := dig(v, "data_points"); pts != nil {
		v = pts
	}
	out := map[string]float64{}
	switch t := v.(type) {
	case []interface{}:
		for _, item := range t {
			label := firstString(item, "key", "label", "name", "code")
			val, ok := firstFloat(item, "value", "percentage", "percent", "count")
			if label != "" && ok {
				out[label] = val
			}
		}
	case map[string]interface{}:
		for k, raw := range t {
			if f, ok := asFloat(raw); ok {
				out[k] = f
			}
		}
	}
	return out
}

func firstString(v interface{}, keys ...string) string {
	for _, k := range keys {
		if s := asString(dig(v, k)); s != "" {
			return s
		}
	}
	return ""
}

func firstFloat(v interface{}, keys ...string) (float64, bool) {
	for _, k := range keys {
		if f, ok := asFloat(dig(v, k)); ok {
			return f, true
		}
	}
	return 0, false
}
