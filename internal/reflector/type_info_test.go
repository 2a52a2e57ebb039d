package reflector

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type sampleEvent struct{}

func TestTypeInfoOf(t *testing.T) {
	ti := TypeInfoOf(sampleEvent{})
	require.Equal(t, "reflector.sampleEvent", ti.Name)

	// pointer and value resolve to the same name
	require.Equal(t, ti.Name, TypeInfoOf(&sampleEvent{}).Name)
	require.Equal(t, ti.Name, TypeInfoFor[sampleEvent]().Name)
}

func TestTypeInfoForType_nil(t *testing.T) {
	require.Equal(t, TypeInfo{}, TypeInfoForType(nil))
}
