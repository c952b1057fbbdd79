package logger

import (
	"context"
	"runtime"
	"strings"
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

var (
	errorsStream    int64
	errorsSimulator int64
	warnsStream     int64
	warnsSimulator  int64
	eventsReceived  int64
	signalsExecuted int64
	signalsRejected int64
	ledgerWrites    int64
	s3Uploads       int64
	channels        sync.Map // map[string]*channelStat
)

func recordWarn(component string) {
	if strings.Contains(component, "stream") || strings.Contains(component, "venue") {
		atomic.AddInt64(&warnsStream, 1)
	} else if strings.Contains(component, "simulator") {
		atomic.AddInt64(&warnsSimulator, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "stream") || strings.Contains(component, "venue") {
		atomic.AddInt64(&errorsStream, 1)
	} else if strings.Contains(component, "simulator") {
		atomic.AddInt64(&errorsSimulator, 1)
	}
}

// IncrementEventReceived counts one market event received from a venue feed.
func IncrementEventReceived(venue string, size int) {
	atomic.AddInt64(&eventsReceived, 1)
	recordChannel(venue+"_events", size)
}

// IncrementSignalExecuted counts one trading signal that produced a fill.
func IncrementSignalExecuted() {
	atomic.AddInt64(&signalsExecuted, 1)
}

// IncrementSignalRejected counts one trading signal the simulator rejected.
func IncrementSignalRejected() {
	atomic.AddInt64(&signalsRejected, 1)
}

// IncrementLedgerWrite counts one batch written to the local trade ledger.
func IncrementLedgerWrite(size int64) {
	atomic.AddInt64(&ledgerWrites, 1)
	recordChannel("ledger_write", int(size))
}

// IncrementS3Upload counts one ledger file uploaded to S3.
func IncrementS3Upload(size int64) {
	atomic.AddInt64(&s3Uploads, 1)
	recordChannel("s3_upload", int(size))
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

// StartReport begins periodic logging of system and channel statistics.
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
		"errors_stream":    atomic.LoadInt64(&errorsStream),
		"errors_simulator": atomic.LoadInt64(&errorsSimulator),
		"warns_stream":     atomic.LoadInt64(&warnsStream),
		"warns_simulator":  atomic.LoadInt64(&warnsSimulator),
		"events_received":  atomic.LoadInt64(&eventsReceived),
		"signals_executed": atomic.LoadInt64(&signalsExecuted),
		"signals_rejected": atomic.LoadInt64(&signalsRejected),
		"ledger_writes":    atomic.LoadInt64(&ledgerWrites),
		"s3_uploads":       atomic.LoadInt64(&s3Uploads),
		"goroutines":       runtime.NumGoroutine(),
		"cpu_percent":      cpuPct,
		"memory_mb":        int64(memStats.Used) / 1024 / 1024,
		"disk_mb":          int64(diskStats.Used) / 1024 / 1024,
		"channels":         channelData,
		"net_bytes_sent":   int64(bytesSent),
		"net_bytes_recv":   int64(bytesRecv),
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	var data []cwtypes.MetricDatum
	data = append(data,
		cwtypes.MetricDatum{MetricName: aws.String("CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		cwtypes.MetricDatum{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("DiskMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(diskStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("ErrorsStream"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_stream"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("ErrorsSimulator"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_simulator"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("WarnsStream"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["warns_stream"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("WarnsSimulator"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["warns_simulator"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("EventsReceived"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["events_received"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("SignalsExecuted"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["signals_executed"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("SignalsRejected"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["signals_rejected"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("LedgerWrites"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["ledger_writes"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("S3Uploads"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["s3_uploads"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("NetBytesSent"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesSent))},
		cwtypes.MetricDatum{MetricName: aws.String("NetBytesRecv"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesRecv))},
	)

	for name, stats := range channelData {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelMessages"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["messages"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelBytes"),
				Unit:       cwtypes.StandardUnitBytes,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["bytes"])),
			},
		)
	}

	publishMetrics(ctx, data)
}
