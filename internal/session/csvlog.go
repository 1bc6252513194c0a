package session

import (
	"encoding/csv"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// runLog writes the periodic controller samples of one session to a
// CSV file named {start_unixtime}-{remote_ip}-{remote_port}.csv.
type runLog struct {
	file *os.File
	w    *csv.Writer
}

var runLogHeader = []string{
	"Time", "Sent", "Resent", "Acked", "Cwnd", "Flightsz",
	"Queuing_delay", "Rtt", "Srtt", "Rttvar",
}

func newRunLog(dir string, start time.Time, remote *net.UDPAddr) (*runLog, error) {
	name := fmt.Sprintf("%d-%s-%d.csv", start.Unix(), remote.IP.String(), remote.Port)
	file, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return nil, fmt.Errorf("failed to create run log: %w", err)
	}

	l := &runLog{file: file, w: csv.NewWriter(file)}
	if err := l.w.Write(runLogHeader); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to write run log header: %w", err)
	}
	return l, nil
}

func (l *runLog) sample(elapsed time.Duration, sent, resent, acked uint64,
	cwnd, flightsize, queuingDelay float64, rtt, srtt, rttvar time.Duration) error {

	return l.w.Write([]string{
		strconv.FormatFloat(elapsed.Seconds(), 'f', 1, 64),
		strconv.FormatUint(sent, 10),
		strconv.FormatUint(resent, 10),
		strconv.FormatUint(acked, 10),
		strconv.FormatFloat(cwnd, 'f', 0, 64),
		strconv.FormatFloat(flightsize, 'f', 0, 64),
		strconv.FormatFloat(queuingDelay, 'f', 3, 64),
		strconv.FormatFloat(rtt.Seconds(), 'f', 6, 64),
		strconv.FormatFloat(srtt.Seconds(), 'f', 6, 64),
		strconv.FormatFloat(rttvar.Seconds(), 'f', 6, 64),
	})
}

func (l *runLog) close() error {
	l.w.Flush()
	if err := l.w.Error(); err != nil {
		l.file.Close()
		return err
	}
	return l.file.Close()
}
