package medium_test

import (
	"context"
	"errors"
	"testing"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/ambiyansyah-risyal/gentlefetch/internal/mock"
	"github.com/ambiyansyah-risyal/gentlefetch/medium"
)

func TestRedisRead(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	client := mock.NewMockRedisClient(ctrl)
	m := medium.NewRedisWithClient(client, "gf:", 0)

	client.EXPECT().Get(gomock.Any(), "gf:hit").Return(redis.NewStringResult(`{"a":1}`, nil))
	client.EXPECT().Get(gomock.Any(), "gf:miss").Return(redis.NewStringResult("", redis.Nil))
	client.EXPECT().Get(gomock.Any(), "gf:down").Return(redis.NewStringResult("", errors.New("connection refused")))

	b, err := m.Read(context.Background(), "hit")
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(b))

	_, err = m.Read(context.Background(), "miss")
	assert.ErrorIs(t, err, medium.ErrNotFound)

	_, err = m.Read(context.Background(), "down")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, medium.ErrNotFound)
}

func TestRedisWriteAndDelete(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	client := mock.NewMockRedisClient(ctrl)
	m := medium.NewRedisWithClient(client, "", 0)

	client.EXPECT().Set(gomock.Any(), "gentlefetch:k", []byte("v"), gomock.Any()).Return(redis.NewStatusResult("OK", nil))
	client.EXPECT().Del(gomock.Any(), "gentlefetch:k").Return(redis.NewIntResult(1, nil))
	client.EXPECT().Close().Return(nil)

	require.NoError(t, m.Write(context.Background(), "k", []byte("v")))
	require.NoError(t, m.Delete(context.Background(), "k"))
	require.NoError(t, m.Close())
}

func TestRedisListFollowsCursor(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	client := mock.NewMockRedisClient(ctrl)
	m := medium.NewRedisWithClient(client, "gf:", 0)

	gomock.InOrder(
		client.EXPECT().Scan(gomock.Any(), uint64(0), "gf:*", int64(100)).
			Return(redis.NewScanCmdResult([]string{"gf:a", "gf:b"}, 7, nil)),
		client.EXPECT().Scan(gomock.Any(), uint64(7), "gf:*", int64(100)).
			Return(redis.NewScanCmdResult([]string{"gf:c"}, 0, nil)),
	)

	keys, err := m.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, keys)
}
