package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meridian-ml/meridian/pkg/model"
)

func validPoolYAML() []byte {
	return []byte(`
pools:
  - id: default
    backend: east
    quotas:
      high: {gpus: 2, cpu_millis: 8000}
      low: {gpus: 4, cpu_millis: 16000}
    platforms:
      - name: v100
        max_gpus: 8
        max_cpu_millis: 64000
        max_memory_mib: 262144
        max_storage_gib: 1000
`)
}

func TestDefaultConfigResolvesWithPools(t *testing.T) {
	conf := DefaultConfig()
	require.NoError(t, conf.Merge(validPoolYAML()))

	pools, err := conf.Resolve()
	require.NoError(t, err)
	require.Len(t, pools, 1)

	pool := pools[0]
	require.Equal(t, model.PoolID("default"), pool.ID)
	require.Equal(t, "east", pool.Backend)
	require.Equal(t, model.PoolStateOnline, pool.State, "state defaults to ONLINE")
	require.Equal(t, model.Resources{GPUs: 2, CPUMillis: 8000}, pool.Quotas[model.PriorityHigh])
	require.Equal(t, model.Resources{GPUs: 4, CPUMillis: 16000}, pool.Quotas[model.PriorityLow])
	require.Equal(t, 8, pool.Platforms[0].MaxGPUs)
}

func TestMergeLayersOverDefaults(t *testing.T) {
	conf := DefaultConfig()
	require.NoError(t, conf.Merge([]byte(`
api:
  port: 9000
scheduling:
  queue_timeout: 30s
  retry_ceiling: 2
`)))

	require.Equal(t, 9000, conf.API.Port)
	require.Equal(t, "0.0.0.0", conf.API.Host, "untouched defaults survive the merge")
	require.Equal(t, Duration(30*time.Second), conf.Scheduling.QueueTimeout)
	require.Equal(t, 2, conf.Scheduling.RetryCeiling)
	require.Equal(t, Duration(2*time.Minute), conf.Scheduling.StartWindow)

	queueTimeout, _, startWindow, retention, retryCeiling := conf.Lifecycle()
	require.Equal(t, 30*time.Second, queueTimeout)
	require.Equal(t, 2*time.Minute, startWindow)
	require.Equal(t, 24*time.Hour, retention)
	require.Equal(t, 2, retryCeiling)
}

func TestMergeRejectsMalformedDuration(t *testing.T) {
	conf := DefaultConfig()
	err := conf.Merge([]byte("scheduling:\n  queue_timeout: quickly\n"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid duration")
}

func TestResolveRequiresPools(t *testing.T) {
	conf := DefaultConfig()
	_, err := conf.Resolve()
	require.Error(t, err)
	require.Contains(t, err.Error(), "at least one pool")
}

func TestResolveRejectsDuplicatePoolIDs(t *testing.T) {
	conf := DefaultConfig()
	require.NoError(t, conf.Merge(validPoolYAML()))
	conf.Pools = append(conf.Pools, conf.Pools[0])

	_, err := conf.Resolve()
	require.Error(t, err)
	require.Contains(t, err.Error(), "duplicate pool id default")
}

func TestResolveRejectsZeroQuotaPool(t *testing.T) {
	conf := DefaultConfig()
	require.NoError(t, conf.Merge(validPoolYAML()))
	conf.Pools[0].Quotas = map[string]ResourcesConfig{"high": {}}

	_, err := conf.Resolve()
	require.Error(t, err)
	require.Contains(t, err.Error(), "zero total quota")
}

func TestResolveRejectsUnknownPriorityClass(t *testing.T) {
	conf := DefaultConfig()
	require.NoError(t, conf.Merge(validPoolYAML()))
	conf.Pools[0].Quotas["urgent"] = ResourcesConfig{GPUs: 1}

	_, err := conf.Resolve()
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid priority")
}

func TestResolveRejectsBadPoolState(t *testing.T) {
	conf := DefaultConfig()
	require.NoError(t, conf.Merge(validPoolYAML()))
	conf.Pools[0].State = "sleeping"

	_, err := conf.Resolve()
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid pool state")
}

func TestResolveRejectsBadPort(t *testing.T) {
	conf := DefaultConfig()
	require.NoError(t, conf.Merge(validPoolYAML()))
	conf.API.Port = -1

	_, err := conf.Resolve()
	require.Error(t, err)
	require.Contains(t, err.Error(), "api.port")
}

func TestPrintableIsValidJSON(t *testing.T) {
	conf := DefaultConfig()
	out, err := conf.Printable()
	require.NoError(t, err)
	require.Contains(t, string(out), `"port":8092`)
	require.Contains(t, string(out), `"run_for":"30s"`)
}
