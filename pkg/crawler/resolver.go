package crawler

import (
	"context"
	"fmt"

	"catalog-sync/pkg/decode"
	"catalog-sync/pkg/episodes"
	"catalog-sync/pkg/extract"
	"catalog-sync/pkg/fetch"
	"catalog-sync/pkg/models"
	"catalog-sync/pkg/utils"
)

// MediaResolver resolves the playable part of a title from its detail page
type MediaResolver interface {
	// ResolveVideo decodes the player payload of a single video. strict=false enables the loose fallback.
	ResolveVideo(ctx context.Context, page *fetch.Page, strict bool) ([]models.MediaRef, error)

	// ResolveSeasons assembles the seasons of an episodic title
	ResolveSeasons(ctx context.Context, page *fetch.Page, declared int) ([]models.SeasonRecord, error)
}

// SourceMedia is the MediaResolver built from a source's decoder and reconciler
type SourceMedia struct {
	decoder    *decode.Decoder
	reconciler *episodes.Reconciler
	extractor  *extract.Extractor
}

func NewSourceMedia(decoder *decode.Decoder, reconciler *episodes.Reconciler, extractor *extract.Extractor) *SourceMedia {
	return &SourceMedia{decoder: decoder, reconciler: reconciler, extractor: extractor}
}

// ResolveVideo implements MediaResolver
func (m *SourceMedia) ResolveVideo(_ context.Context, page *fetch.Page, strict bool) ([]models.MediaRef, error) {
	script, ok := m.extractor.PlayerScript(page.Doc)
	if !ok {
		return nil, fmt.Errorf("%w: %s", utils.ErrMissingPayload, page.URL)
	}
	return m.decoder.DecodeRefs(script, strict)
}

// ResolveSeasons implements MediaResolver. A title page without season links is its own single season.
func (m *SourceMedia) ResolveSeasons(ctx context.Context, page *fetch.Page, declared int) ([]models.SeasonRecord, error) {
	links := m.extractor.SeasonLinks(page.Doc, page.URL)
	if len(links) == 0 {
		links = []string{page.URL.String()}
	}
	return m.reconciler.Reconcile(ctx, links, declared)
}
