package deadletter

import (
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/InternetMaximalism/intmax2/types"
)

func TestAppendAndList(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "dead_letter"))
	require.NoError(t, err)
	defer store.Close()

	first := &types.BlockPostTask{BlockID: uuid.New(), Nonce: 7, Attempts: 5}
	second := &types.BlockPostTask{BlockID: uuid.New(), Nonce: 9, Attempts: 5}
	require.NoError(t, store.Append(first, "connection refused"))
	require.NoError(t, store.Append(second, "execution reverted"))

	records, err := store.List()
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, first.BlockID, records[0].Task.BlockID)
	require.Equal(t, "connection refused", records[0].Reason)
	require.Equal(t, second.BlockID, records[1].Task.BlockID)
	require.Equal(t, 5, records[1].Attempts)
}

func TestOpenRejectsEmptyPath(t *testing.T) {
	_, err := Open("  ")
	require.Error(t, err)
}
