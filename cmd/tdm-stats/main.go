package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"tdm-core/control"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:8080", "Адрес control API tdm-emulate")
	watch := flag.Bool("watch", false, "Непрерывно отображать статистику")
	interval := flag.Int("interval", 1, "Интервал обновления в секундах (для watch режима)")
	jsonOutput := flag.Bool("json", false, "Вывод в JSON формате")
	flag.Parse()

	host := strings.TrimPrefix(*addr, "http://")
	client := &http.Client{Timeout: 3 * time.Second}
	url := "http://" + host + "/v1/stats"

	if *watch {
		period := time.Duration(*interval) * time.Second
		streamURL := fmt.Sprintf("ws://%s/v1/stats/stream?interval=%s", host, period)
		watchStats(streamURL, period, *jsonOutput)
		return
	}
	if err := printStats(client, url, *jsonOutput); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func fetchStats(client *http.Client, url string) (*control.Stats, []byte, error) {
	resp, err := client.Get(url)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch stats: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("read stats: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("fetch stats: %s", resp.Status)
	}

	var st control.Stats
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, nil, fmt.Errorf("decode stats: %w", err)
	}
	return &st, data, nil
}

func printStats(client *http.Client, url string, asJSON bool) error {
	st, raw, err := fetchStats(client, url)
	if err != nil {
		return err
	}

	if asJSON {
		fmt.Println(string(raw))
		return nil
	}

	fmt.Print(render(st))
	return nil
}

func render(st *control.Stats) string {
	var b strings.Builder

	fmt.Fprintln(&b, "╔══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(&b, "║              TDM emulator - Статистика                   ║")
	fmt.Fprintln(&b, "╠══════════════════════════════════════════════════════════╣")

	runState := "остановлен"
	if st.Run.Running {
		runState = "идет"
	}
	fmt.Fprintln(&b, "║ ⏱️  Запуск:                                               ║")
	fmt.Fprintf(&b, "║   Состояние:     %-10s                              ║\n", runState)
	fmt.Fprintf(&b, "║   Частота:       %-10s                              ║\n", fmt.Sprintf("%d Hz", st.Run.Rate))
	fmt.Fprintf(&b, "║   Тиков:         %-10d                              ║\n", st.Run.RunCount)
	fmt.Fprintln(&b, "║                                                          ║")

	for _, g := range st.Groups {
		state := "stop"
		if g.Running {
			state = "run"
		}
		fmt.Fprintf(&b, "║ 📡 Группа %-3d (%dx%d, %s)                                ║\n", g.ID, g.NumColBoards, g.NumRows, state)
		fmt.Fprintf(&b, "║   Фреймов (TX):  %-10d                              ║\n", g.Tx.Frames)
		fmt.Fprintf(&b, "║   Отправлено:    %-10s                              ║\n", formatBytes(g.Tx.Bytes))
		fmt.Fprintf(&b, "║   Sequence:      %-10d                              ║\n", g.Sequence)
		if g.LastError != "" {
			fmt.Fprintf(&b, "║   Ошибка:        %s\n", g.LastError)
		}
		fmt.Fprintln(&b, "║                                                          ║")
	}

	fmt.Fprintln(&b, "║ 📊 Приемник:                                             ║")
	fmt.Fprintf(&b, "║   Фреймов (RX):  %-10d                              ║\n", st.Receiver.Rx.Frames)
	fmt.Fprintf(&b, "║   Получено:      %-10s                              ║\n", formatBytes(st.Receiver.Rx.Bytes))
	fmt.Fprintf(&b, "║   Частота:       %-10s                              ║\n", fmt.Sprintf("%.1f/s", st.Receiver.Rx.FrameRate()))
	fmt.Fprintf(&b, "║   С момента сброса: %-10s                           ║\n", formatDuration(st.Receiver.Rx.SinceReset))
	fmt.Fprintf(&b, "║   Ошибок пересылки: %-10d                           ║\n", st.Receiver.ForwardErrors)

	fmt.Fprintln(&b, "╚══════════════════════════════════════════════════════════╝")
	return b.String()
}

// watchStats получает статистику из websocket потока, при обрыве переподключается
func watchStats(url string, period time.Duration, asJSON bool) {
	for {
		if err := streamStats(url, asJSON); err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
		time.Sleep(period)
	}
}

func streamStats(url string, asJSON bool) error {
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return fmt.Errorf("connect stats stream: %w", err)
	}
	defer ws.Close()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("stats stream: %w", err)
		}

		if asJSON {
			fmt.Println(string(data))
			continue
		}

		var st control.Stats
		if err := json.Unmarshal(data, &st); err != nil {
			return fmt.Errorf("decode stats: %w", err)
		}
		// Очистка экрана (работает на Linux/Mac)
		fmt.Print("\033[H\033[2J")
		fmt.Print(render(&st))
	}
}

func formatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.0fs", d.Seconds())
	}
	if d < time.Hour {
		return fmt.Sprintf("%.0fm", d.Minutes())
	}
	if d < 24*time.Hour {
		return fmt.Sprintf("%.1fh", d.Hours())
	}
	return fmt.Sprintf("%.1fd", d.Hours()/24)
}
