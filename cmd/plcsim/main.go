// plcsim is a development stand-in for a real PLC: a Modbus/TCP server
// seeded from the same JSON configuration tree the gateway consumes, with
// optional value drift so alarms and snapshots have something to show.
package main

import (
	"encoding/json"
	"flag"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gridpoint/plantgateway/internal/modbus/modbustest"
	"github.com/gridpoint/plantgateway/internal/model"
)

func main() {
	logger := log.New(log.Writer(), "[PLCSIM] ", log.LstdFlags)

	listen := flag.String("listen", "127.0.0.1:1502", "address to serve Modbus/TCP on")
	seedPath := flag.String("seed", "", "JSON configuration tree (same file the gateway takes via -seed)")
	drift := flag.Bool("drift", true, "randomly walk INTEGER values once a second")
	flag.Parse()

	srv, err := modbustest.Listen(*listen)
	if err != nil {
		logger.Fatalf("listen: %v", err)
	}
	defer srv.Close()
	logger.Printf("serving Modbus/TCP on %s", srv.Addr())

	var points []model.DataPoint
	if *seedPath != "" {
		trees, err := loadTrees(*seedPath)
		if err != nil {
			logger.Fatalf("seed: %v", err)
		}
		points = seed(srv, trees, logger)
	}

	stop := make(chan struct{})
	if *drift && len(points) > 0 {
		go driftLoop(srv, points, stop)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	close(stop)
	logger.Println("shutting down")
}

func loadTrees(path string) ([]*model.PLCTree, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var trees []*model.PLCTree
	if err := json.Unmarshal(raw, &trees); err != nil {
		return nil, err
	}
	return trees, nil
}

// seed initializes every configured register with a plausible value and
// returns the readable datapoints for the drift loop.
func seed(srv *modbustest.Server, trees []*model.PLCTree, logger *log.Logger) []model.DataPoint {
	var points []model.DataPoint
	count := 0
	for _, t := range trees {
		for _, dp := range collectPoints(t) {
			offset := model.RegisterOffset(dp.Address)
			if offset < 0 {
				continue
			}
			switch dp.Type {
			case model.TypeInteger:
				srv.SetRegister(offset, uint16(rand.Intn(100)))
			case model.TypeDigital:
				srv.SetRegister(offset, uint16(rand.Intn(1<<8)))
			case model.TypeReal:
				// REAL spans two words; leave zero, the gateway decodes 0.0.
				srv.SetRegister(offset, 0)
				srv.SetRegister(offset+1, 0)
			}
			count++
			if dp.Category == model.CategoryRead && dp.Type == model.TypeInteger {
				points = append(points, dp)
			}
		}
	}
	logger.Printf("seeded %d registers from %d PLC trees", count, len(trees))
	return points
}

func collectPoints(t *model.PLCTree) []model.DataPoint {
	out := append([]model.DataPoint{}, t.DataPoints...)
	for _, ct := range t.Containers {
		out = append(out, ct.DataPoints...)
		for _, et := range ct.Equipment {
			out = append(out, et.DataPoints...)
		}
	}
	return out
}

// driftLoop random-walks the readable integers so gauges move and threshold
// rules eventually fire.
func driftLoop(srv *modbustest.Server, points []model.DataPoint, stop chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			for _, dp := range points {
				offset := model.RegisterOffset(dp.Address)
				cur := int(srv.Register(offset))
				next := cur + rand.Intn(7) - 3
				if next < 0 {
					next = 0
				}
				srv.SetRegister(offset, uint16(next))
			}
		}
	}
}
