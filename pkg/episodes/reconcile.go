package episodes

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/sirupsen/logrus"

	"catalog-sync/pkg/config"
	"catalog-sync/pkg/decode"
	"catalog-sync/pkg/extract"
	"catalog-sync/pkg/fetch"
	"catalog-sync/pkg/models"
	"catalog-sync/pkg/parse"
	"catalog-sync/pkg/utils"
)

// Reconciler assembles the seasons of an episodic title, escalating through
// cheaper strategies first: playlist shortcut, per-season probe, full episode
// crawl and finally surgical repair of the gaps.
type Reconciler struct {
	fetcher   fetch.PageFetcher
	decoder   *decode.Decoder
	extractor *extract.Extractor
	loc       *config.Locators
	syncCfg   config.SyncConfig
	baseOpts  fetch.FetchOptions
	tolerance int

	seasonIDRe  *regexp.Regexp
	episodeIDRe *regexp.Regexp
	labelRe     *regexp.Regexp
	identRe     *regexp.Regexp

	log *logrus.Entry
}

// season is the working state of one season during a reconcile
type season struct {
	id     int
	link   string
	page   *fetch.Page // first listing page, fetched lazily
	links  []episodeLink
	listed bool
	record *models.SeasonRecord
}

type episodeLink struct {
	id    int
	url   string
	title string
}

type step struct {
	name string
	run  func(ctx context.Context, seasons []*season) error
}

// NewReconciler builds a reconciler for one source. baseOpts carries the source headers and user agent.
func NewReconciler(fetcher fetch.PageFetcher, decoder *decode.Decoder, extractor *extract.Extractor,
	loc *config.Locators, syncCfg config.SyncConfig, baseOpts fetch.FetchOptions, log *logrus.Entry) (*Reconciler, error) {
	r := &Reconciler{
		fetcher:   fetcher,
		decoder:   decoder,
		extractor: extractor,
		loc:       loc,
		syncCfg:   syncCfg,
		baseOpts:  baseOpts,
		tolerance: config.GetEffectiveCompletenessTolerance(syncCfg),
		log:       log,
	}
	var err error
	if r.seasonIDRe, err = utils.CompileOptionalRegex("season_id_pattern", loc.SeasonIDPattern); err != nil {
		return nil, err
	}
	if r.episodeIDRe, err = utils.CompileOptionalRegex("episode_id_pattern", loc.EpisodeIDPattern); err != nil {
		return nil, err
	}
	if r.labelRe, err = utils.CompileOptionalRegex("episode_label_pattern", loc.EpisodeLabelPattern); err != nil {
		return nil, err
	}
	if r.identRe, err = utils.CompileOptionalRegex("episode_identifier_pattern", loc.EpisodeIdentifierPattern); err != nil {
		return nil, err
	}
	return r, nil
}

// Reconcile returns the complete season set reachable from seasonLinks, or an error wrapping
// utils.ErrIncompleteData when every strategy has been tried.
func (r *Reconciler) Reconcile(ctx context.Context, seasonLinks []string, declared int) ([]models.SeasonRecord, error) {
	seasons, err := r.seasons(seasonLinks)
	if err != nil {
		return nil, err
	}

	steps := []step{
		{"playlist", r.playlistShortcut},
		{"season_probe", r.probeSeasons},
		{"episode_crawl", r.crawlSeasons},
		{"surgical_repair", r.repairSeasons},
	}
	for _, s := range steps {
		stepLog := r.log.WithField("step", s.name)
		if err := s.run(ctx, seasons); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			stepLog.Debugf("Step failed: %v", err)
		}
		if assembled, ok := r.complete(seasons, declared); ok {
			stepLog.WithField("episodes", AssembledTotal(assembled)).Debug("Seasons complete")
			return assembled, nil
		}
	}

	assembled := collect(seasons)
	return nil, fmt.Errorf("%w: assembled %d of %d declared episodes in %d of %d seasons",
		utils.ErrIncompleteData, AssembledTotal(assembled), declared, len(assembled), len(seasons))
}

func (r *Reconciler) seasons(links []string) ([]*season, error) {
	if len(links) == 0 {
		return nil, fmt.Errorf("%w: no season links", utils.ErrIncompleteData)
	}
	seen := make(map[int]string, len(links))
	out := make([]*season, 0, len(links))
	for i, link := range links {
		id := i + 1
		if r.seasonIDRe != nil {
			if m := r.seasonIDRe.FindStringSubmatch(link); len(m) > 1 {
				if n, err := strconv.Atoi(m[1]); err == nil {
					id = n
				}
			}
		}
		if prev, dup := seen[id]; dup {
			return nil, fmt.Errorf("%w: season %d linked twice (%s, %s)", utils.ErrIncompleteData, id, prev, link)
		}
		seen[id] = link
		out = append(out, &season{id: id, link: link})
	}
	return out, nil
}

func (r *Reconciler) complete(seasons []*season, declared int) ([]models.SeasonRecord, bool) {
	for _, s := range seasons {
		if s.record == nil {
			return nil, false
		}
	}
	assembled := collect(seasons)
	return assembled, IsCompleteWithin(assembled, declared, r.tolerance)
}

func collect(seasons []*season) []models.SeasonRecord {
	var out []models.SeasonRecord
	for _, s := range seasons {
		if s.record != nil {
			out = append(out, *s.record)
		}
	}
	return out
}

// needsWork reports whether a season is missing, empty, has gaps or has episodes without URLs
func (s *season) needsWork() bool {
	if s.record == nil || len(s.record.Episodes) == 0 {
		return true
	}
	missing, blank := gaps(s.record.Episodes, len(s.links))
	return len(missing) > 0 || len(blank) > 0
}

// offer keeps episodes if they beat what the season already holds
func (s *season) offer(episodes []models.EpisodeRecord) {
	if len(episodes) == 0 {
		return
	}
	if s.record == nil || usable(episodes) > usable(s.record.Episodes) {
		sortEpisodes(episodes)
		s.record = &models.SeasonRecord{ID: s.id, Episodes: episodes}
	}
}

func usable(episodes []models.EpisodeRecord) int {
	n := 0
	for _, e := range episodes {
		if e.HasURL() {
			n += LabelCount(e.Label)
		}
	}
	return n
}

func sortEpisodes(episodes []models.EpisodeRecord) {
	sort.SliceStable(episodes, func(i, j int) bool { return episodes[i].ID < episodes[j].ID })
}

// gaps lists the in-season positions missing from the episodes and the ids without a URL.
// Positions run up to the highest id or the listed link count, never past the larger of the
// episode count and the listed link count.
func gaps(episodes []models.EpisodeRecord, listed int) (missing, blank []int) {
	present := make(map[int]bool, len(episodes))
	upper := listed
	for _, e := range episodes {
		present[e.ID] = true
		if e.ID > upper {
			upper = e.ID
		}
		if !e.HasURL() {
			blank = append(blank, e.ID)
		}
	}
	upper = min(upper, max(len(episodes), listed))
	for id := 1; id <= upper; id++ {
		if !present[id] {
			missing = append(missing, id)
		}
	}
	return missing, blank
}

func (r *Reconciler) opts(probe, skipParse bool) fetch.FetchOptions {
	o := r.baseOpts
	o.SkipParse = skipParse
	if probe {
		o.Timeout = r.syncCfg.ProbeTimeout
	} else {
		o.Timeout = r.syncCfg.PageTimeout
	}
	return o
}

func (r *Reconciler) seasonPage(ctx context.Context, s *season) (*fetch.Page, error) {
	if s.page != nil {
		return s.page, nil
	}
	page, err := r.fetcher.Fetch(ctx, s.link, r.opts(false, false))
	if err != nil {
		return nil, err
	}
	if page.NotFound() {
		return nil, fmt.Errorf("%w: season page %s not found", utils.ErrIncompleteData, s.link)
	}
	s.page = page
	return page, nil
}

// playlistShortcut reads the identifier shown on each season page and fetches its playlist
func (r *Reconciler) playlistShortcut(ctx context.Context, seasons []*season) error {
	if r.loc.PlaylistURLTemplate == "" || r.identRe == nil {
		return nil
	}
	var errs []error
	for _, s := range seasons {
		if !s.needsWork() {
			continue
		}
		page, err := r.seasonPage(ctx, s)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			errs = append(errs, err)
			continue
		}
		episodes, err := r.playlistFor(ctx, page)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			errs = append(errs, fmt.Errorf("season %d: %w", s.id, err))
			continue
		}
		s.offer(episodes)
	}
	return errors.Join(errs...)
}

// probeSeasons opens the first episode of each unfinished season and uses its scoped playlist
func (r *Reconciler) probeSeasons(ctx context.Context, seasons []*season) error {
	if r.loc.PlaylistURLTemplate == "" || r.identRe == nil || r.loc.EpisodeLinkSelector == "" {
		return nil
	}
	var errs []error
	for _, s := range seasons {
		if !s.needsWork() {
			continue
		}
		page, err := r.seasonPage(ctx, s)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			errs = append(errs, err)
			continue
		}
		first := r.episodeLinks(page)
		if len(first) == 0 {
			errs = append(errs, fmt.Errorf("season %d: no episode links", s.id))
			continue
		}
		probe, err := r.fetcher.Fetch(ctx, first[0].url, r.opts(true, false))
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			errs = append(errs, err)
			continue
		}
		if probe.NotFound() {
			errs = append(errs, fmt.Errorf("season %d: first episode %s not found", s.id, first[0].url))
			continue
		}
		episodes, err := r.playlistFor(ctx, probe)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			errs = append(errs, fmt.Errorf("season %d probe: %w", s.id, err))
			continue
		}
		s.offer(episodes)
	}
	return errors.Join(errs...)
}

// crawlSeasons visits every episode of each unfinished season
func (r *Reconciler) crawlSeasons(ctx context.Context, seasons []*season) error {
	if r.loc.EpisodeLinkSelector == "" {
		return nil
	}
	var errs []error
	for _, s := range seasons {
		if !s.needsWork() {
			continue
		}
		links, err := r.allEpisodeLinks(ctx, s)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			errs = append(errs, err)
			continue
		}
		var episodes []models.EpisodeRecord
		for _, link := range links {
			ep, err := r.crawlEpisode(ctx, link)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				r.log.WithFields(logrus.Fields{"season": s.id, "url": link.url}).Debugf("Episode crawl failed: %v", err)
			}
			episodes = append(episodes, ep)
		}
		s.offer(episodes)
	}
	return errors.Join(errs...)
}

// repairSeasons re-crawls only the episodes that are missing or lack a URL
func (r *Reconciler) repairSeasons(ctx context.Context, seasons []*season) error {
	if r.loc.EpisodeLinkSelector == "" {
		return nil
	}
	var errs []error
	for _, s := range seasons {
		if s.record == nil || !s.needsWork() {
			continue
		}
		links, err := r.allEpisodeLinks(ctx, s)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			errs = append(errs, err)
			continue
		}
		missing, blank := gaps(s.record.Episodes, len(links))
		wanted := make(map[int]bool, len(missing)+len(blank))
		for _, id := range append(missing, blank...) {
			wanted[id] = true
		}

		episodes := append([]models.EpisodeRecord(nil), s.record.Episodes...)
		index := make(map[int]int, len(episodes))
		for i, e := range episodes {
			index[e.ID] = i
		}
		repaired := 0
		for _, link := range links {
			if !wanted[link.id] {
				continue
			}
			ep, err := r.crawlEpisode(ctx, link)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				errs = append(errs, err)
				continue
			}
			if i, ok := index[ep.ID]; ok {
				episodes[i] = ep
			} else {
				index[ep.ID] = len(episodes)
				episodes = append(episodes, ep)
			}
			repaired++
		}
		sortEpisodes(episodes)
		s.record = &models.SeasonRecord{ID: s.id, Episodes: episodes}
		r.log.WithFields(logrus.Fields{"season": s.id, "wanted": len(wanted), "repaired": repaired}).Debug("Surgical repair done")
	}
	return errors.Join(errs...)
}

// playlistEntry is one element of a playlist response. Source ids are ignored: episodes are
// numbered by their position in the playlist.
type playlistEntry struct {
	Title  string `json:"title"`
	File   string `json:"file"`
	Poster string `json:"poster"`
}

func (r *Reconciler) playlistFor(ctx context.Context, page *fetch.Page) ([]models.EpisodeRecord, error) {
	m := r.identRe.FindSubmatch(page.Body)
	if len(m) < 2 || len(m[1]) == 0 {
		return nil, fmt.Errorf("%w: no episode identifier on %s", utils.ErrParsing, page.URL)
	}
	ref := fmt.Sprintf(r.loc.PlaylistURLTemplate, url.QueryEscape(string(m[1])))
	playlistURL := parse.ResolveReference(page.URL, ref)
	if playlistURL == nil {
		return nil, fmt.Errorf("%w: bad playlist URL %q", utils.ErrParsing, ref)
	}

	resp, err := r.fetcher.Fetch(ctx, playlistURL.String(), r.opts(true, true))
	if err != nil {
		return nil, err
	}
	if resp.NotFound() {
		return nil, fmt.Errorf("%w: playlist %s not found", utils.ErrIncompleteData, playlistURL)
	}
	entries, err := parsePlaylist(resp.Body)
	if err != nil {
		return nil, err
	}

	episodes := make([]models.EpisodeRecord, 0, len(entries))
	for i, entry := range entries {
		id := i + 1
		ep := models.EpisodeRecord{
			ID:     id,
			Label:  r.label(entry.Title, id),
			Title:  strings.TrimSpace(entry.Title),
			Poster: entry.Poster,
		}
		r.setURLs(&ep, entry.File)
		episodes = append(episodes, ep)
	}
	return episodes, nil
}

func parsePlaylist(body []byte) ([]playlistEntry, error) {
	body = bytes.TrimSpace(body)
	var entries []playlistEntry
	if bytes.HasPrefix(body, []byte("[")) {
		if err := json.Unmarshal(body, &entries); err != nil {
			return nil, fmt.Errorf("%w: playlist: %v", utils.ErrParsing, err)
		}
		return entries, nil
	}
	var wrapped struct {
		Playlist []playlistEntry `json:"playlist"`
	}
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return nil, fmt.Errorf("%w: playlist: %v", utils.ErrParsing, err)
	}
	return wrapped.Playlist, nil
}

func (r *Reconciler) label(title string, id int) string {
	if r.labelRe != nil {
		if m := r.labelRe.FindStringSubmatch(title); len(m) > 1 && strings.TrimSpace(m[1]) != "" {
			return strings.TrimSpace(m[1])
		}
	}
	return strconv.Itoa(id)
}

// setURLs fills primary and secondary URLs from a playlist file field or a decoded payload
func (r *Reconciler) setURLs(ep *models.EpisodeRecord, value string) {
	if strings.TrimSpace(value) == "" {
		return
	}
	urls, err := r.decoder.DecodeField(value, false)
	if err != nil {
		r.log.WithField("episode", ep.ID).Debugf("Episode file did not decode: %v", err)
		return
	}
	ep.PrimaryURL = urls[0]
	if len(urls) > 1 {
		ep.SecondaryURL = urls[1]
	}
}

func (r *Reconciler) episodeLinks(page *fetch.Page) []episodeLink {
	if page.Doc == nil {
		return nil
	}
	var out []episodeLink
	seen := make(map[string]bool)
	page.Doc.Find(r.loc.EpisodeLinkSelector).Each(func(i int, sel *goquery.Selection) {
		href, ok := sel.Attr("href")
		if !ok {
			return
		}
		abs := parse.ResolveReference(page.URL, href)
		if abs == nil {
			return
		}
		key := parse.NormalizeURL(abs)
		if seen[key] {
			return
		}
		seen[key] = true
		out = append(out, episodeLink{url: abs.String(), title: strings.TrimSpace(sel.Text())})
	})
	return out
}

// allEpisodeLinks follows the season's pagination, bounded by max_season_pages
func (r *Reconciler) allEpisodeLinks(ctx context.Context, s *season) ([]episodeLink, error) {
	if s.listed {
		return s.links, nil
	}
	page, err := r.seasonPage(ctx, s)
	if err != nil {
		return nil, err
	}

	var links []episodeLink
	seen := make(map[string]bool)
	visited := map[string]bool{parse.NormalizeURL(page.URL): true}
	maxPages := r.syncCfg.MaxSeasonPages
	if maxPages <= 0 {
		maxPages = 1
	}
	for n := 1; ; n++ {
		for _, l := range r.episodeLinks(page) {
			if !seen[l.url] {
				seen[l.url] = true
				links = append(links, l)
			}
		}
		if n >= maxPages || r.loc.SeasonNextPageSelector == "" || page.Doc == nil {
			break
		}
		href, ok := page.Doc.Find(r.loc.SeasonNextPageSelector).First().Attr("href")
		next := parse.ResolveReference(page.URL, href)
		if !ok || next == nil || visited[parse.NormalizeURL(next)] {
			break
		}
		visited[parse.NormalizeURL(next)] = true
		page, err = r.fetcher.Fetch(ctx, next.String(), r.opts(false, false))
		if err != nil {
			return nil, err
		}
		if page.NotFound() {
			break
		}
	}

	r.orderLinks(links)
	for i := range links {
		links[i].id = i + 1
	}
	s.links, s.listed = links, true
	return links, nil
}

// orderLinks sorts links by source episode number when every link carries a distinct one,
// otherwise page order stands.
func (r *Reconciler) orderLinks(links []episodeLink) {
	nums := make(map[string]int, len(links))
	seen := make(map[int]bool, len(links))
	for _, l := range links {
		n := r.sourceNumber(l)
		if n <= 0 || seen[n] {
			return
		}
		seen[n] = true
		nums[l.url] = n
	}
	sort.SliceStable(links, func(i, j int) bool { return nums[links[i].url] < nums[links[j].url] })
}

func (r *Reconciler) sourceNumber(l episodeLink) int {
	if r.episodeIDRe != nil {
		if m := r.episodeIDRe.FindStringSubmatch(l.url); len(m) > 1 {
			if n, err := strconv.Atoi(m[1]); err == nil {
				return n
			}
		}
	}
	if n, ok := extract.FirstInt(r.label(l.title, 0)); ok && n > 0 {
		return n
	}
	return 0
}

// crawlEpisode visits one episode page. The returned record carries id and label even on error.
func (r *Reconciler) crawlEpisode(ctx context.Context, link episodeLink) (models.EpisodeRecord, error) {
	ep := models.EpisodeRecord{ID: link.id, Label: r.label(link.title, link.id), Title: link.title}

	page, err := r.fetcher.Fetch(ctx, link.url, r.opts(false, false))
	if err != nil {
		return ep, err
	}
	if page.NotFound() || page.Doc == nil {
		return ep, fmt.Errorf("%w: episode page %s not found", utils.ErrIncompleteData, link.url)
	}

	if r.loc.EpisodePosterSelector != "" {
		img := page.Doc.Find(r.loc.EpisodePosterSelector).First()
		src, _ := img.Attr(r.loc.ImageAttr)
		if src == "" {
			src, _ = img.Attr("data-src")
		}
		if abs := parse.ResolveReference(page.URL, src); abs != nil {
			ep.Poster = abs.String()
		}
	}

	script, ok := r.extractor.PlayerScript(page.Doc)
	if !ok {
		return ep, fmt.Errorf("%w: %s", utils.ErrMissingPayload, link.url)
	}
	urls, err := r.decoder.Decode(script, false)
	if err != nil {
		return ep, err
	}
	ep.PrimaryURL = urls[0]
	if len(urls) > 1 {
		ep.SecondaryURL = urls[1]
	}
	return ep, nil
}
