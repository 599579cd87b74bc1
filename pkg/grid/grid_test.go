package grid

import (
    "context"
    "errors"
    "fmt"
    "testing"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"
)

func TestCodeRoundTrip(t *testing.T) {
    for _, c := range codes {
        wrapped := fmt.Errorf("op failed: %w", c.err)
        code := Code(wrapped)
        require.Equal(t, c.code, code)
        back := FromCode(code, wrapped.Error())
        assert.ErrorIs(t, back, c.err, "code %s", code)
    }
}

func TestCodeSpecialCases(t *testing.T) {
    assert.Equal(t, "", Code(nil))
    assert.Equal(t, CodeTimeout, Code(context.DeadlineExceeded))
    assert.Equal(t, CodeInternal, Code(errors.New("boom")))

    assert.NoError(t, FromCode("", ""))
    assert.Same(t, ErrNotLeader, FromCode(CodeNotLeader, ""))
    err := FromCode("weird", "something odd")
    require.Error(t, err)
    assert.Equal(t, "something odd", err.Error())
}

func TestRetryable(t *testing.T) {
    assert.True(t, Retryable(fmt.Errorf("x: %w", ErrQuorumUnavailable)))
    assert.True(t, Retryable(ErrNotLeader))
    assert.False(t, Retryable(ErrConfigurationMismatch))
    assert.False(t, Retryable(ErrDuplicateName))
}

func TestNodeFilter(t *testing.T) {
    var nilFilter *NodeFilter
    assert.True(t, nilFilter.Matches(nil))

    f := &NodeFilter{Attributes: map[string]string{"zone": "a", "tier": "hot"}}
    assert.True(t, f.Matches(map[string]string{"zone": "a", "tier": "hot", "extra": "1"}))
    assert.False(t, f.Matches(map[string]string{"zone": "a"}))
    assert.False(t, f.Matches(map[string]string{"zone": "b", "tier": "hot"}))

    assert.True(t, (&NodeFilter{}).equal(nil))
    assert.False(t, f.equal(&NodeFilter{Attributes: map[string]string{"zone": "a"}}))
}

func TestDescriptorCloneIsDeep(t *testing.T) {
    d := CacheDescriptor{Name: "c", NodeFilter: &NodeFilter{Attributes: map[string]string{"k": "v"}}}
    c := d.Clone()
    c.NodeFilter.Attributes["k"] = "other"
    assert.Equal(t, "v", d.NodeFilter.Attributes["k"])
    assert.False(t, d.Equal(c))
}

func TestSnapshotSplits(t *testing.T) {
    s := ClusterSnapshot{InstanceID: "i", Caches: []CacheDescriptor{{Name: "s", Static: true}, {Name: "d"}}}
    assert.True(t, s.Formed())
    require.Len(t, s.Static(), 1)
    assert.Equal(t, "s", s.Static()[0].Name)
    require.Len(t, s.Dynamic(), 1)
    assert.Equal(t, "d", s.Dynamic()[0].Name)
    assert.False(t, ClusterSnapshot{}.Formed())
}

func TestMetaAttributes(t *testing.T) {
    meta := MetaFromAttributes(map[string]string{"zone": "a"}, map[string]string{MetaRole: RoleServer})
    assert.Equal(t, "a", meta["attr.zone"])
    attrs := AttributesFromMeta(meta)
    assert.Equal(t, map[string]string{"zone": "a"}, attrs)
    assert.Equal(t, PhaseActive, PhaseOf(ActivationState{Active: true}))
    assert.Equal(t, PhaseInactive, PhaseOf(ActivationState{}))
}
