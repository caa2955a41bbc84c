// Package extractor is the consumer half of the pipeline: it fetches
// detail-page WorkItems from the queue, reads each learned field's
// synthesized xpath, and acks or fails the delivery depending on whether
// every required field resolved.
//
// Ported from field/field_extractor.py's per-page extraction loop and
// field/batch_field_extractor.py's consumer-group fetch cycle, merged
// into one worker type since this module's queue abstraction already
// handles the batching/ack/retry machinery both Python modules reimplement.
package extractor

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/pinkllo/autospider-go/internal/autoerr"
	"github.com/pinkllo/autospider-go/internal/browser"
	"github.com/pinkllo/autospider-go/internal/fieldlearn"
	"github.com/pinkllo/autospider-go/internal/queue"
	"github.com/pinkllo/autospider-go/internal/task"
)

// Sink receives each completed ExtractionResult for persistence.
type Sink func(result task.ExtractionResult) error

// Extractor reads a fixed set of field xpaths from every detail page it
// is handed, falling back to a live per-page field-learning call when a
// required field's xpath misses on a given page.
type Extractor struct {
	ctrl         browser.Controller
	q            queue.Queue
	consumerName string
	maxRetries   int
	fieldDefs    map[string]task.FieldDefinition
	learner      *fieldlearn.Learner
	logger       zerolog.Logger
}

// New builds an Extractor. fields supplies the field descriptions the
// self-healing learner needs (by name); learner may be nil to disable
// self-healing, in which case a missed required field simply fails the
// page as before.
func New(ctrl browser.Controller, q queue.Queue, consumerName string, maxRetries int, fields []task.FieldDefinition, learner *fieldlearn.Learner, logger zerolog.Logger) *Extractor {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	defs := make(map[string]task.FieldDefinition, len(fields))
	for _, f := range fields {
		defs[f.Name] = f
	}
	return &Extractor{ctrl: ctrl, q: q, consumerName: consumerName, maxRetries: maxRetries, fieldDefs: defs, learner: learner, logger: logger}
}

// RunOnce fetches up to batchSize deliveries and extracts each against
// fieldXPaths, invoking sink per result and acking/failing accordingly.
// It returns the number of deliveries processed, so callers can loop until
// zero to drain the queue.
func (e *Extractor) RunOnce(ctx context.Context, fieldXPaths []task.CommonFieldXPath, blockMs int, batchSize int, sink Sink) (int, error) {
	deliveries, err := e.q.Fetch(ctx, e.consumerName, batchSize, blockMs)
	if err != nil {
		return 0, autoerr.NewQueue("fetch", err)
	}
	for _, d := range deliveries {
		result, extractErr := e.extractOne(ctx, d.Item.URL, fieldXPaths)
		if extractErr != nil {
			e.logger.Warn().Err(extractErr).Str("url", d.Item.URL).Msg("extraction failed")
			if failErr := e.q.Fail(ctx, d.Handle, extractErr.Error(), e.maxRetries); failErr != nil {
				e.logger.Warn().Err(failErr).Msg("failed to record queue failure")
			}
			continue
		}
		if sink != nil {
			if err := sink(result); err != nil {
				e.logger.Warn().Err(err).Str("url", d.Item.URL).Msg("sink rejected result")
				_ = e.q.Fail(ctx, d.Handle, err.Error(), e.maxRetries)
				continue
			}
		}
		if !result.Success {
			if err := e.q.Fail(ctx, d.Handle, "required field missing", e.maxRetries); err != nil {
				e.logger.Warn().Err(err).Str("url", d.Item.URL).Msg("failed to record queue failure")
			}
			continue
		}
		if err := e.q.Ack(ctx, d.Handle); err != nil {
			e.logger.Warn().Err(err).Str("url", d.Item.URL).Msg("failed to ack delivery")
		}
	}
	return len(deliveries), nil
}

// urlAttrs are tried in order when reading a DataTypeURL field, per
// spec §4.8 step 1's "href/src/data-href for url type".
var urlAttrs = []string{"href", "src", "data-href"}

// readField dispatches a single field read on the xpath dimension the
// field's declared DataType needs: url-typed fields read the anchor/src
// attribute first, everything else reads inner text (th->td aware).
func (e *Extractor) readField(ctx context.Context, xp string, dt task.DataType) (string, error) {
	if dt == task.DataTypeURL {
		values, _, _, err := e.ctrl.ReadXPathAll(ctx, xp, 1, urlAttrs)
		if err != nil {
			return "", err
		}
		if len(values) > 0 {
			return values[0], nil
		}
		return "", nil
	}
	return e.ctrl.ReadXPath(ctx, xp)
}

// extractOne navigates to url and reads every field's synthesized xpath,
// recording a per-field error rather than aborting the page on a single
// missing field. The page-level result is a success iff every required
// field produced a value; a missed optional field never fails the page.
// When a required field's xpath misses or returns empty, extractOne falls
// back to a live per-page locate through the field learner before giving
// up on that field.
func (e *Extractor) extractOne(ctx context.Context, url string, fieldXPaths []task.CommonFieldXPath) (task.ExtractionResult, error) {
	if err := e.ctrl.Navigate(ctx, url); err != nil {
		return task.ExtractionResult{}, err
	}

	result := task.ExtractionResult{URL: url, Success: true}
	for _, fx := range fieldXPaths {
		fv := task.FieldValue{FieldName: fx.FieldName, Confidence: fx.Confidence}
		text, err := e.readField(ctx, fx.XPathPattern, e.fieldDefs[fx.FieldName].DataType)
		if (err != nil || strings.TrimSpace(text) == "") && fx.Required && e.learner != nil {
			if healed, herr := e.learner.Locate(ctx, e.fieldDefs[fx.FieldName]); herr == nil && strings.TrimSpace(healed) != "" {
				text, err = healed, nil
			}
		}
		if err == nil && strings.TrimSpace(text) == "" && fx.Required {
			err = autoerr.NewValidation("extract_field", fmt.Sprintf("required field %q returned empty value", fx.FieldName))
		}
		if err != nil {
			fv.Error = err.Error()
			if fx.Required {
				result.Success = false
			}
		} else {
			fv.Value = text
		}
		result.Fields = append(result.Fields, fv)
	}
	if len(fieldXPaths) == 0 {
		return task.ExtractionResult{}, autoerr.NewValidation("extract_one", fmt.Sprintf("no field xpaths configured for %s", url))
	}
	return result, nil
}

// RunLoop drains the queue continuously until ctx is canceled, used by the
// long-lived consumer goroutines the pipeline spawns.
func (e *Extractor) RunLoop(ctx context.Context, fieldXPaths []task.CommonFieldXPath, blockMs int, batchSize int, sink Sink) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := e.RunOnce(ctx, fieldXPaths, blockMs, batchSize, sink); err != nil {
			e.logger.Warn().Err(err).Msg("extractor batch failed")
		}
	}
}
