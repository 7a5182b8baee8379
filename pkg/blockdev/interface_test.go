package blockdev

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const lsblkBusy = `{
   "blockdevices": [
      {"name":"sdb1", "fstype":"crypto_LUKS", "fsver":"2", "label":null, "uuid":"4b1b7a4e-2f0e-4c55-9a7e-0d5b3b1c7e11", "fsavail":null, "fsuse%":null, "mountpoints":[null],
         "children": [
            {"name":"cryptroot", "fstype":"ext4", "fsver":"1.0", "label":null, "uuid":"b3f0", "fsavail":"9G", "fsuse%":"1%", "mountpoints":["/mnt", "/mnt/boot"]},
            {"name":"cryptswap", "fstype":"swap", "fsver":"1", "label":null, "uuid":"c4a1", "fsavail":null, "fsuse%":null, "mountpoints":[null]}
         ]
      }
   ]
}`

const lsblkLegacy = `{"blockdevices": [
  {"name":"sdc1","fstype":"crypto_LUKS","uuid":"aa","mountpoint":null,
   "children":[{"name":"data","fstype":"xfs","uuid":"bb","mountpoint":"/srv"}]}
]}`

func TestParseTopology(t *testing.T) {
	dev, err := ParseTopology([]byte(lsblkBusy))
	require.NoError(t, err)

	assert.Equal(t, "sdb1", dev.Name)
	assert.Equal(t, "crypto_LUKS", dev.FSType)
	assert.Equal(t, "", dev.MountPoint())
	require.Len(t, dev.Children, 2)
	assert.Equal(t, "cryptroot", dev.Children[0].Name)
	assert.Equal(t, "/mnt", dev.Children[0].MountPoint())
	assert.Equal(t, "", dev.Children[1].MountPoint())
}

func TestParseTopology_LegacyMountpoint(t *testing.T) {
	dev, err := ParseTopology([]byte(lsblkLegacy))
	require.NoError(t, err)

	require.Len(t, dev.Children, 1)
	assert.Equal(t, "/srv", dev.Children[0].MountPoint())
}

func TestParseTopology_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"invalid json", `{"blockdevices":`},
		{"empty list", `{"blockdevices":[]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseTopology([]byte(tt.input))
			assert.Error(t, err)
		})
	}
}
