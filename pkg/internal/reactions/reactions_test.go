package reactions

import (
	"testing"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToggle(t *testing.T) {
	t.Run("applies missing reaction", func(t *testing.T) {
		out, applied := Toggle(Set{}, "👍", 7)
		assert.True(t, applied)
		assert.Equal(t, Set{"👍": {7}}, out)
	})

	t.Run("removes existing reaction and drops empty emoji", func(t *testing.T) {
		out, applied := Toggle(Set{"👍": {7}}, "👍", 7)
		assert.False(t, applied)
		assert.Empty(t, out)
	})

	t.Run("keeps users sorted", func(t *testing.T) {
		out, _ := Toggle(Set{"👍": {3, 9}}, "👍", 5)
		assert.Equal(t, []uint{3, 5, 9}, out["👍"])
	})

	t.Run("does not mutate input", func(t *testing.T) {
		in := Set{"👍": {3, 9}}
		_, _ = Toggle(in, "👍", 5)
		_, _ = Toggle(in, "👍", 3)
		assert.Equal(t, Set{"👍": {3, 9}}, in)
	})

	t.Run("double toggle restores the set", func(t *testing.T) {
		sets := []Set{
			nil,
			{},
			{"👍": {1, 2}},
			{"👍": {1}, "🎉": {4, 8}},
		}
		for _, in := range sets {
			for _, uid := range []uint{1, 3, 8} {
				once, _ := Toggle(in, "👍", uid)
				twice, _ := Toggle(once, "👍", uid)
				assert.True(t, Equal(in, twice), "toggle %d on %v", uid, in)
			}
		}
	})
}

func TestNormalize(t *testing.T) {
	expected := Set{"👍": {1, 2}, "🎉": {5}}

	cases := map[string]string{
		"map":             `{"👍":[2,1,1],"🎉":[5]}`,
		"list":            `[{"emoji":"👍","users":[1,2]},{"emoji":"🎉","users":[5]}]`,
		"list with split": `[{"emoji":"👍","users":[1]},{"emoji":"👍","users":[2]},{"symbol":"🎉","user_ids":["5"]}]`,
		"object users":    `{"👍":{"1":true,"2":true,"9":false},"🎉":[5]}`,
		"with empty":      `{"👍":[1,2],"🎉":[5],"😢":[]}`,
	}

	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			out, err := Normalize([]byte(raw))
			require.NoError(t, err)
			assert.Equal(t, expected, out)
		})
	}

	t.Run("null", func(t *testing.T) {
		out, err := Normalize([]byte("null"))
		require.NoError(t, err)
		assert.Empty(t, out)
	})

	t.Run("rejects garbage", func(t *testing.T) {
		_, err := Normalize([]byte(`"nope"`))
		assert.ErrorIs(t, err, ErrUnknownEncoding)
	})

	t.Run("rejects negative ids", func(t *testing.T) {
		_, err := Normalize([]byte(`{"👍":[-1]}`))
		assert.Error(t, err)
	})
}

func TestNormalizeValue(t *testing.T) {
	decoded := []any{
		map[string]any{"emoji": "👍", "users": []any{float64(2), float64(1)}},
	}
	out, err := NormalizeValue(decoded)
	require.NoError(t, err)
	assert.Equal(t, Set{"👍": {1, 2}}, out)

	out, err = NormalizeValue(map[string]any{"👍": []any{int32(4)}})
	require.NoError(t, err)
	assert.Equal(t, Set{"👍": {4}}, out)
}

func TestSetColumn(t *testing.T) {
	in := Set{"👍": {2, 1}}
	value, err := in.Value()
	require.NoError(t, err)
	assert.Equal(t, `{"👍":[1,2]}`, value)

	var out Set
	require.NoError(t, out.Scan([]byte(`[{"emoji":"👍","users":[1,2]}]`)))
	assert.Equal(t, Set{"👍": {1, 2}}, out)

	var empty Set
	require.NoError(t, empty.Scan(nil))
	assert.NotNil(t, empty)
}

func TestSetJSON(t *testing.T) {
	var holder struct {
		Reactions Set `json:"reactions"`
	}
	err := jsoniter.Unmarshal([]byte(`{"reactions":[{"emoji":"🎉","users":[3]}]}`), &holder)
	require.NoError(t, err)
	assert.Equal(t, Set{"🎉": {3}}, holder.Reactions)
}
