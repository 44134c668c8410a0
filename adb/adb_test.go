package adb

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeADB struct {
	responses map[string]string
	calls     []string
}

func (f *fakeADB) run(_ context.Context, _ string, args ...string) ([]byte, error) {
	key := strings.Join(args, " ")
	f.calls = append(f.calls, key)
	out, ok := f.responses[key]
	if !ok {
		return nil, errors.New("exit status 1")
	}
	return []byte(out), nil
}

const devicesOutput = `List of devices attached
R58M12ABCDE            device usb:1-1 product:beyond1 model:SM_G973F device:beyond1 transport_id:1
192.168.1.20:5555      device product:beyond1 model:SM_G973F device:beyond1 transport_id:2
emulator-5554          offline transport_id:3
ZY22XYZ                device usb:1-2 model:moto_g transport_id:4

`

func TestListDevicesPrefersWiFiAndSkipsOffline(t *testing.T) {
	fake := &fakeADB{responses: map[string]string{
		"devices -l": devicesOutput,

		"-s R58M12ABCDE shell getprop ro.serialno":        "R58M12ABCDE\n",
		"-s 192.168.1.20:5555 shell getprop ro.serialno":  "R58M12ABCDE\n",
		"-s ZY22XYZ shell getprop ro.serialno":            "ZY22XYZ\n",
	}}
	c := NewClientWithRunner("", fake.run)

	devices, err := c.ListDevices(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 2)

	assert.Equal(t, "192.168.1.20:5555", devices[0].ADBDeviceID)
	assert.Equal(t, "R58M12ABCDE", devices[0].HardwareSerial)
	assert.Equal(t, "SM G973F", devices[0].Name)
	assert.Equal(t, "ZY22XYZ", devices[1].ID)
	assert.Equal(t, "moto g", devices[1].Name)
	assert.Equal(t, "online", devices[1].Status)
}

func TestListDevicesWrapsFailure(t *testing.T) {
	c := NewClientWithRunner("adb", (&fakeADB{}).run)
	_, err := c.ListDevices(context.Background())
	require.ErrorContains(t, err, "list devices")
}

func TestEnrichReadsProperties(t *testing.T) {
	fake := &fakeADB{responses: map[string]string{
		"devices -l": "List of devices attached\nZY22XYZ device model:moto_g\n",

		"-s ZY22XYZ shell getprop ro.build.version.release": "13\n",
		"-s ZY22XYZ shell wm size":                          "Physical size: 1080x2400\nOverride size: 720x1600\n",
		"-s ZY22XYZ shell dumpsys battery":                  "Current Battery Service state:\n  AC powered: false\n  level: 87\n",
	}}
	c := NewClientWithRunner("adb", fake.run)
	c.Enrich = true

	devices, err := c.ListDevices(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "13", devices[0].AndroidVersion)
	assert.Equal(t, "720x1600", devices[0].Resolution)
	assert.Equal(t, 87, devices[0].Battery)
	// serialno lookup failed, so the adb id keys the device
	assert.Equal(t, "ZY22XYZ", devices[0].HardwareSerial)
}

func TestForwardArguments(t *testing.T) {
	fake := &fakeADB{responses: map[string]string{
		"-s dev forward tcp:27183 localabstract:scrcpy_0000abcd": "",
		"-s dev forward --remove tcp:27183":                      "",
	}}
	c := NewClientWithRunner("adb", fake.run)
	ctx := context.Background()

	require.NoError(t, c.Forward(ctx, "dev", 27183, "scrcpy_0000abcd"))
	require.NoError(t, c.RemoveForward(ctx, "dev", 27183))
	require.Error(t, c.PushFile(ctx, "dev", "a", "b"))
}
