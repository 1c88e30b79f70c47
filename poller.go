package conductor

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"
)

// approvedState is the document-store content state a human sets to sign a
// design off. Matching is case-insensitive; Confluence renders it "Approved".
const approvedState = "approved"

// Poller bridges the document store into the event fabric. The store has no
// webhooks, so every interval it scans the pages under review, synthesising
// page:approved from content states and page:comment from comments created
// since the previous scan started.
type Poller struct {
	docs     DocClient
	dispatch func(Event)
	interval time.Duration
	logger   *slog.Logger

	// since is the start of the last completed scan. Comments at or before
	// it have already been seen. Only advanced on a clean scan, so a failed
	// tick re-delivers rather than drops.
	since time.Time
}

// NewPoller builds a poller that feeds dispatch.
func NewPoller(docs DocClient, dispatch func(Event), interval time.Duration, logger *slog.Logger) *Poller {
	return &Poller{
		docs:     docs,
		dispatch: dispatch,
		interval: interval,
		logger:   logger.With("component", "poller"),
	}
}

// Run polls until ctx is cancelled. It always returns ctx.Err(); scan
// failures are logged and retried on the next tick, never fatal.
func (p *Poller) Run(ctx context.Context) error {
	p.since = time.Now()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Info("document poller running", "interval", p.interval)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

// tick scans the document store once.
func (p *Poller) tick(ctx context.Context) {
	// Captured before the scan: a comment posted mid-scan lands after this
	// mark and is picked up next tick instead of racing this one.
	nextSince := time.Now()

	pages, err := p.docs.PagesInReview(ctx)
	if err != nil {
		p.logger.Warn("page scan failed", "error", err)
		pollTicks.WithLabelValues("error").Inc()
		return
	}

	clean := true
	for _, page := range pages {
		designID := ExtractDesignID(page.Title)
		if designID == "" {
			continue
		}
		if !p.scanPage(ctx, page.ID, designID) {
			clean = false
		}
	}

	if clean {
		p.since = nextSince
		pollTicks.WithLabelValues("ok").Inc()
		return
	}
	pollTicks.WithLabelValues("partial").Inc()
}

// scanPage checks one page's state and comments. Reports false when a fetch
// failed and the scan should not advance the comment watermark.
func (p *Poller) scanPage(ctx context.Context, pageID, designID string) bool {
	ok := true

	state, err := p.docs.GetContentState(ctx, pageID)
	switch {
	case err != nil:
		p.logger.Warn("content state fetch failed", "page_id", pageID, "error", err)
		ok = false
	case strings.EqualFold(state, approvedState):
		p.dispatch(&PageApproved{
			Meta:     NewMeta("poller"),
			PageID:   pageID,
			DesignID: designID,
		})
	}

	comments, err := p.docs.NewComments(ctx, pageID, p.since)
	if err != nil {
		p.logger.Warn("comment fetch failed", "page_id", pageID, "error", err)
		return false
	}
	for _, c := range comments {
		p.dispatch(&PageComment{
			Meta:     NewMeta("poller"),
			PageID:   pageID,
			DesignID: designID,
			Comments: []string{fmt.Sprintf("%s: %s", c.Author, c.Body)},
		})
	}
	return ok
}

var (
	bracketIDPattern = regexp.MustCompile(`^\s*\[([^\[\]]+)\]`)
	uuidTitlePattern = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
)

// ExtractDesignID finds the design a page belongs to. Published pages carry
// the id in a bracketed title prefix like "[a1b2] Payments rework"; a title
// that is nothing but a UUID also counts, covering pages created by hand.
// Anything else returns "".
func ExtractDesignID(title string) string {
	if m := bracketIDPattern.FindStringSubmatch(title); m != nil {
		return strings.TrimSpace(m[1])
	}
	t := strings.TrimSpace(title)
	if uuidTitlePattern.MatchString(t) {
		return t
	}
	return ""
}
