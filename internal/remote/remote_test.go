package remote

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/offsync/internal/model"
	"github.com/roach88/offsync/internal/syncerr"
)

func TestDisconnected(t *testing.T) {
	var ep Endpoint = Disconnected{}

	_, err := ep.Replay(context.Background(), Request{Operation: model.OpCreate, EntityType: "site", EntityID: "site-1"})
	require.Error(t, err)
	assert.True(t, syncerr.IsUnavailable(err))

	_, err = ep.FetchCanonical(context.Background(), "site", "site-1")
	assert.True(t, syncerr.HasCode(err, syncerr.CodeNetworkUnavailable))

	c, ok := ep.(Connectivity)
	require.True(t, ok)
	assert.False(t, c.Online())
}
