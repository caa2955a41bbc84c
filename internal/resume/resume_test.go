package resume

import (
	"context"
	"testing"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/playwright-community/playwright-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pinkllo/autospider-go/internal/browser"
	"github.com/pinkllo/autospider-go/internal/task"
)

// fakeController is a minimal browser.Controller stand-in that tracks the
// current URL and lets tests script ClickXPath/ReadXPath/Fill outcomes
// without a real browser.
type fakeController struct {
	currentURL      string
	currentURLFixed bool
	navigateErr     error
	readXPathFn     func(xpath string) (string, error)
	clickErr        error
	fillErr         error
	clickedPaths    []string
}

func (f *fakeController) Close(ctx context.Context) error { return nil }

func (f *fakeController) Navigate(ctx context.Context, url string) error {
	if f.navigateErr != nil {
		return f.navigateErr
	}
	if !f.currentURLFixed {
		f.currentURL = url
	}
	return nil
}

func (f *fakeController) ClickXPath(ctx context.Context, xpath string) error {
	f.clickedPaths = append(f.clickedPaths, xpath)
	return f.clickErr
}

func (f *fakeController) ClickXPathExpectingNewTab(ctx context.Context, xpath string) (bool, error) {
	return false, f.ClickXPath(ctx, xpath)
}

func (f *fakeController) ClickByCoordinates(ctx context.Context, x, y float64) error { return nil }

func (f *fakeController) Fill(ctx context.Context, xpath, text string) error { return f.fillErr }

func (f *fakeController) Press(ctx context.Context, xpath, key string) error { return nil }

func (f *fakeController) ReadXPath(ctx context.Context, xpath string) (string, error) {
	if f.readXPathFn != nil {
		return f.readXPathFn(xpath)
	}
	return "", nil
}

func (f *fakeController) ReadXPathAll(ctx context.Context, xpath string, maxSamples int, attrs []string) ([]string, []string, int, error) {
	v, err := f.ReadXPath(ctx, xpath)
	if err != nil || v == "" {
		return nil, nil, 0, err
	}
	return []string{v}, []string{""}, 1, nil
}

func (f *fakeController) Scroll(ctx context.Context, direction string, distance int) error {
	return nil
}

func (f *fakeController) WaitFor(ctx context.Context, xpath string, timeout time.Duration) error {
	return nil
}

func (f *fakeController) GoBack(ctx context.Context) error                { return nil }
func (f *fakeController) GoBackTab(ctx context.Context) error             { return nil }
func (f *fakeController) SaveState(ctx context.Context, path string) error { return nil }
func (f *fakeController) CurrentURL() string                              { return f.currentURL }
func (f *fakeController) Page() playwright.Page                           { return nil }

var _ browser.Controller = (*fakeController)(nil)

func TestURLPatternStrategyResumeRewritesQueryParam(t *testing.T) {
	ctrl := &fakeController{}
	cfg := task.CollectionConfig{ListURL: "https://example.com/list?page=1"}

	ok, err := URLPatternStrategy{}.Resume(context.Background(), ctrl, cfg, mapset.NewSet[string](), 5)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Contains(t, ctrl.currentURL, "page=5")
}

// TestURLPatternStrategyFailsWhenLandedPageDisagrees simulates a site that
// ignores the page query parameter entirely: the landed URL never reflects
// the requested page, so the strategy must report failure rather than a
// false positive.
func TestURLPatternStrategyFailsWhenLandedPageDisagrees(t *testing.T) {
	ctrl := &fakeController{currentURL: "https://example.com/list", currentURLFixed: true}
	cfg := task.CollectionConfig{ListURL: "https://example.com/list?page=1"}

	ok, err := URLPatternStrategy{}.Resume(context.Background(), ctrl, cfg, mapset.NewSet[string](), 5)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCoordinatorFallsBackToPageOneWhenAllStrategiesFail(t *testing.T) {
	ctrl := &fakeController{}
	cfg := task.CollectionConfig{ListURL: "https://example.com/list"}
	coord := NewCoordinator(zerolog.Nop(), failingStrategy{})

	page := coord.Resume(context.Background(), ctrl, cfg, mapset.NewSet[string](), 7)
	assert.Equal(t, 1, page)
	assert.Equal(t, cfg.ListURL, ctrl.currentURL)
}

func TestCoordinatorReturnsOneImmediatelyForTargetPageOne(t *testing.T) {
	ctrl := &fakeController{}
	coord := NewCoordinator(zerolog.Nop())
	page := coord.Resume(context.Background(), ctrl, task.CollectionConfig{}, mapset.NewSet[string](), 1)
	assert.Equal(t, 1, page)
}

func TestCoordinatorTriesNextStrategyAfterFailure(t *testing.T) {
	ctrl := &fakeController{}
	cfg := task.CollectionConfig{ListURL: "https://example.com/list?page=1"}
	coord := NewCoordinator(zerolog.Nop(), failingStrategy{}, URLPatternStrategy{})

	page := coord.Resume(context.Background(), ctrl, cfg, mapset.NewSet[string](), 3)
	assert.Equal(t, 3, page)
	assert.Contains(t, ctrl.currentURL, "page=3")
}

type failingStrategy struct{}

func (failingStrategy) Name() string { return "failing" }
func (failingStrategy) Resume(ctx context.Context, ctrl browser.Controller, cfg task.CollectionConfig, collected mapset.Set[string], targetPage int) (bool, error) {
	return false, nil
}
