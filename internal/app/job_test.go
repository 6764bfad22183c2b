package app

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/docs-aggregator/internal/api"
	"github.com/JakeFAU/docs-aggregator/internal/config"
)

func TestJobAppliesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := config.Read(config.New(), "")
	require.NoError(t, err)
	cfg.Aggregate.Title = "Configured"
	a := &App{cfg: cfg}

	job, names, err := a.job(api.Request{URL: "https://learn.example.com/office/vba/index.html"})
	require.NoError(t, err)
	assert.Equal(t, "/office/vba/", job.Boundary.PathPrefix)
	assert.Equal(t, "learn.example.com", job.Boundary.Host)
	assert.Equal(t, 200, job.MaxPages)
	assert.Equal(t, "Configured", job.Options.Title)
	assert.Equal(t, "https://learn.example.com/office/vba/index.html", job.Options.BaseURL)
	assert.True(t, job.Options.IncludeTOC)
	assert.Equal(t, 3, job.Options.TOCMaxLevel)
	assert.True(t, job.Options.NormalizeHeadings)
	assert.Equal(t, cfg.Discovery.Strategies, names)
}

func TestJobHonorsRequestOverrides(t *testing.T) {
	t.Parallel()

	cfg, err := config.Read(config.New(), "")
	require.NoError(t, err)
	a := &App{cfg: cfg}

	noTOC := false
	level := 2
	noNormalize := false
	job, names, err := a.job(api.Request{
		URL:               "https://learn.example.com/office/vba/",
		AllowedPath:       "/office/",
		MaxPages:          5,
		IncludeTOC:        &noTOC,
		TOCMaxLevel:       &level,
		NormalizeHeadings: &noNormalize,
		Strategies:        []string{"navigation"},
		Title:             "VBA Reference",
		Overwrite:         true,
	})
	require.NoError(t, err)
	assert.Equal(t, "/office/", job.Boundary.PathPrefix)
	assert.Equal(t, 5, job.MaxPages)
	assert.False(t, job.Options.IncludeTOC)
	assert.Equal(t, 2, job.Options.TOCMaxLevel)
	assert.False(t, job.Options.NormalizeHeadings)
	assert.Equal(t, "VBA Reference", job.Options.Title)
	assert.True(t, job.Overwrite)
	assert.Equal(t, []string{"navigation"}, names)
}
