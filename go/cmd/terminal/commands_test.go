package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/cuehall/go/internal/config"
	"github.com/mcdev12/cuehall/go/internal/models"
	"github.com/mcdev12/cuehall/go/internal/store/memstore"
	"github.com/mcdev12/cuehall/go/internal/terminal"
)

const club = `
id: club-1
rate_plan:
  per_hour: 12
  per_frame: 5
tables:
  - number: 1
    default_mode: per_frame
`

func TestParseItem(t *testing.T) {
	item, err := parseItem([]string{"cola", "2.50", "3", "Cola", "Zero"})
	require.NoError(t, err)
	assert.Equal(t, "cola", item.ItemID)
	assert.Equal(t, "Cola Zero", item.Name)
	assert.Equal(t, 3, item.Quantity)
	assert.Equal(t, "2.50", item.UnitPrice.StringFixed(2))

	item, err = parseItem([]string{"chips", "1"})
	require.NoError(t, err)
	assert.Equal(t, 1, item.Quantity)
	assert.Equal(t, "chips", item.Name)

	_, err = parseItem([]string{"chips"})
	assert.ErrorIs(t, err, errUsage)
	_, err = parseItem([]string{"chips", "free"})
	assert.Error(t, err)
}

func TestScriptedSession(t *testing.T) {
	c, err := config.Parse([]byte(club))
	require.NoError(t, err)

	ms := memstore.New(nil)
	term := terminal.New(ms, clockwork.NewRealClock(), terminal.ConfigFromClub(c, "desk-1"))
	defer term.Close()

	ctx := context.Background()
	require.NoError(t, term.Start(ctx))

	var out bytes.Buffer
	for _, line := range []string{
		"start table-1",
		"player+ table-1 Ann",
		"player+ table-1 Bob",
		"frame+ table-1",
		"frame+ table-1",
		"item+ table-1 cola 2.50 2",
		"end table-1 Ann",
		"pay table-1 cash desk",
	} {
		// a second tap of the same action is refused until the first settles
		var lastErr error
		ok := assert.Eventually(t, func() bool {
			lastErr = execute(ctx, term, strings.Fields(line), &out)
			return lastErr == nil || !errors.Is(lastErr, terminal.ErrActionInFlight)
		}, 2*time.Second, 5*time.Millisecond)
		require.True(t, ok, line)
		require.NoError(t, lastErr, line)
		require.NoError(t, term.Settle(ctx))
	}

	got := out.String()
	assert.Contains(t, got, "total=15.00")
	assert.Contains(t, got, "recorded, paid 15.00 by cash")

	require.NoError(t, term.Settle(ctx))
	matches, err := ms.Fetch(ctx, "club-1", models.CollectionMatches)
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestRunCommandsStopsAtQuit(t *testing.T) {
	c, err := config.Parse([]byte(club))
	require.NoError(t, err)
	term := terminal.New(memstore.New(nil), clockwork.NewRealClock(), terminal.ConfigFromClub(c, "desk-1"))
	defer term.Close()

	var out bytes.Buffer
	runCommands(context.Background(), term, strings.NewReader("help\n\nbogus table-1\npause\nquit\nhelp\n"), &out)

	got := out.String()
	assert.Equal(t, 1, strings.Count(got, "commands:"))
	assert.Contains(t, got, `unknown command "bogus"`)
	assert.Contains(t, got, errUsage.Error())
}
