package logger

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net" //cloudwatch

	"github.com/aws/aws-sdk-go-v2/aws"                              //cloudwatch
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types" //cloudwatch
)

type channelStat struct {
	messages int64
	bytes    int64
}

type componentStat struct {
	warns  int64
	errors int64
}

var (
	rpcCalls         int64
	submitsConfirmed int64
	submitsFailed    int64
	eventsForwarded  int64
	channels         sync.Map // map[string]*channelStat
	components       sync.Map // map[string]*componentStat
)

func recordWarn(component string) {
	v, _ := components.LoadOrStore(component, &componentStat{})
	atomic.AddInt64(&v.(*componentStat).warns, 1)
}

func recordError(component string) {
	v, _ := components.LoadOrStore(component, &componentStat{})
	atomic.AddInt64(&v.(*componentStat).errors, 1)
}

// IncrementRPCCall counts one JSON-RPC round trip of the given payload size.
func IncrementRPCCall(size int) {
	atomic.AddInt64(&rpcCalls, 1)
	recordChannel("rpc", size)
}

// IncrementSubmitConfirmed counts a transaction that reached a confirmed
// outcome.
func IncrementSubmitConfirmed() {
	atomic.AddInt64(&submitsConfirmed, 1)
}

// IncrementSubmitFailed counts a transaction that failed or expired.
func IncrementSubmitFailed() {
	atomic.AddInt64(&submitsFailed, 1)
}

// IncrementEventsForwarded counts domain events handed to the sinks.
func IncrementEventsForwarded(n int) {
	atomic.AddInt64(&eventsForwarded, int64(n))
}

// IncrementStoreWrite counts one write of the given size to a named sink.
func IncrementStoreWrite(sink string, size int) {
	recordChannel("store_"+sink, size)
}

func RecordChannelMessage(name string, size int) {
	recordChannel(name, size)
}

func recordChannel(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

func startReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

// StartReport begins periodic logging of system and keeper statistics.
// It exposes the internal startReport function for use by other packages.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	startReport(ctx, log, interval)
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	diskStats, _ := disk.Usage("/")
	netStats, _ := gnet.IOCounters(false)

	channelData := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		name := k.(string)
		cs := v.(*channelStat)
		channelData[name] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})

	var warnsTotal, errorsTotal int64
	componentData := map[string]map[string]int64{}
	components.Range(func(k, v any) bool {
		name := k.(string)
		cs := v.(*componentStat)
		warns := atomic.LoadInt64(&cs.warns)
		errors := atomic.LoadInt64(&cs.errors)
		warnsTotal += warns
		errorsTotal += errors
		componentData[name] = map[string]int64{
			"warns":  warns,
			"errors": errors,
		}
		return true
	})

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}

	bytesSent := uint64(0)
	bytesRecv := uint64(0)
	if len(netStats) > 0 {
		bytesSent = netStats[0].BytesSent
		bytesRecv = netStats[0].BytesRecv
	}

	fields := Fields{
		"warns_total":       warnsTotal,
		"errors_total":      errorsTotal,
		"components":        componentData,
		"rpc_calls":         atomic.LoadInt64(&rpcCalls),
		"submits_confirmed": atomic.LoadInt64(&submitsConfirmed),
		"submits_failed":    atomic.LoadInt64(&submitsFailed),
		"events_forwarded":  atomic.LoadInt64(&eventsForwarded),
		"goroutines":        runtime.NumGoroutine(),
		"cpu_percent":       cpuPct,
		"memory_mb":         int64(memStats.Used) / 1024 / 1024,
		"disk_mb":           int64(diskStats.Used) / 1024 / 1024,
		"channels":          channelData,
		"net_bytes_sent":    int64(bytesSent),
		"net_bytes_recv":    int64(bytesRecv),
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	var data []cwtypes.MetricDatum
	data = append(data,
		cwtypes.MetricDatum{MetricName: aws.String("Keeper-CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		cwtypes.MetricDatum{MetricName: aws.String("Keeper-MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("Keeper-DiskMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(diskStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("Keeper-WarnsTotal"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(warnsTotal))},
		cwtypes.MetricDatum{MetricName: aws.String("Keeper-ErrorsTotal"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(errorsTotal))},
		cwtypes.MetricDatum{MetricName: aws.String("Keeper-RPCCalls"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["rpc_calls"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Keeper-SubmitsConfirmed"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["submits_confirmed"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Keeper-SubmitsFailed"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["submits_failed"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Keeper-EventsForwarded"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["events_forwarded"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Keeper-NetBytesSent"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesSent))},
		cwtypes.MetricDatum{MetricName: aws.String("Keeper-NetBytesRecv"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesRecv))},
	)

	for name, stats := range channelData {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("Keeper-ChannelMessages"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["messages"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("Keeper-ChannelBytes"),
				Unit:       cwtypes.StandardUnitBytes,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["bytes"])),
			},
		)
	}

	publishMetrics(ctx, data)
}
