// Command counselcomm is a terminal client for the counseling session
// subsystem: it loads the appointment list, joins a room, and runs chat and
// call commands against it. The same internal packages back the desktop UI.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/counselcomm/comms/internal/app"
	"github.com/counselcomm/comms/internal/channel"
	"github.com/counselcomm/comms/internal/config"
	"github.com/counselcomm/comms/internal/model"
	"github.com/counselcomm/comms/internal/rtc"
)

var (
	cfgPath     = flag.String("config", "counselcomm.json", "Path to config file (created if missing)")
	token       = flag.String("token", "", "Session bearer token")
	userID      = flag.String("user", "", "Local participant id (email)")
	displayName = flag.String("name", "", "Local display name")
	role        = flag.String("role", "student", "Local role: student, counselor or admin")
	apptPath    = flag.String("appointments", "", "Path to a JSON file with the appointment list")
	roomID      = flag.String("room", "", "Room to select after loading appointments")
	showVersion = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("counselcomm v%s\n", appVersion)
		return
	}
	if *userID == "" {
		fmt.Fprintln(os.Stderr, "Error: -user is required")
		flag.Usage()
		os.Exit(1)
	}

	cfg, created, err := config.Ensure(*cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		log.Printf("Wrote default config to %s", *cfgPath)
	}

	self := model.Participant{
		ID:          *userID,
		Type:        model.ParticipantType(*role),
		DisplayName: *displayName,
	}

	a := app.New(cfg, self)
	defer a.Dispose()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("\nShutting down gracefully...")
		cancel()
	}()

	if err := a.Init(ctx, *token); err != nil {
		// Not fatal: the channel keeps retrying in the background.
		log.Printf("Initial connect failed, retrying in background: %v", err)
	}

	if *apptPath != "" {
		appointments, err := loadAppointments(*apptPath)
		if err != nil {
			log.Fatalf("Failed to load appointments: %v", err)
		}
		a.LoadRooms(appointments)
	}

	if *roomID != "" {
		room, err := a.SelectRoom(*roomID)
		if err != nil {
			log.Fatalf("Failed to select room: %v", err)
		}
		watchRoom(a, room)
	}

	printBanner(cfg, self)
	runPrompt(ctx, a)
}

func loadAppointments(path string) ([]model.Appointment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var appointments []model.Appointment
	if err := json.Unmarshal(data, &appointments); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return appointments, nil
}

// watchRoom prints the room's events as they arrive.
func watchRoom(a *app.App, room model.Room) {
	a.OnRoomEvent(room.ID, func(ev channel.RoomEvent) {
		switch ev.Type {
		case channel.EvReceiveMessage:
			fmt.Printf("[%s] %s: %s\n", room.ID, ev.Message.Sender.DisplayName, ev.Message.Body)
		case channel.EvMessageAck:
			fmt.Printf("[%s] message %s delivery updated\n", room.ID, ev.MessageID)
		case channel.EvUserTyping:
			fmt.Printf("[%s] %s is typing…\n", room.ID, ev.Typing.ParticipantID)
		case channel.EvMessageRead:
			fmt.Printf("[%s] %s read %s\n", room.ID, ev.ParticipantID, ev.MessageID)
		case channel.EvUserJoined:
			fmt.Printf("[%s] %s joined\n", room.ID, ev.ParticipantID)
		case channel.EvUserLeft:
			fmt.Printf("[%s] %s left\n", room.ID, ev.ParticipantID)
		}
	})
}

func printBanner(cfg config.Config, self model.Participant) {
	fmt.Println("──────────────────────────────────────────")
	fmt.Printf(" counselcomm v%s\n", appVersion)
	fmt.Printf(" server : %s\n", cfg.Server.SocketURL)
	fmt.Printf(" user   : %s (%s)\n", self.ID, self.Type)
	fmt.Println("──────────────────────────────────────────")
	fmt.Println(" /rooms /select <id> /leave /call /hangup")
	fmt.Println(" /mute /video /peers /diag /quit — anything else is chat")
	fmt.Println("──────────────────────────────────────────")
}

// runPrompt reads commands and chat lines from stdin until EOF or cancel.
func runPrompt(ctx context.Context, a *app.App) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if quit := handleLine(a, strings.TrimSpace(line)); quit {
				return
			}
		}
	}
}

func handleLine(a *app.App, line string) (quit bool) {
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		if _, err := a.SendMessage(line); err != nil {
			fmt.Fprintf(os.Stderr, "send: %v\n", err)
		}
		return false
	}

	cmd, arg, _ := strings.Cut(line, " ")
	switch cmd {
	case "/quit":
		return true

	case "/rooms":
		for _, room := range a.Rooms() {
			marker := " "
			if active, ok := a.ActiveRoom(); ok && active.ID == room.ID {
				marker = "*"
			}
			fmt.Printf("%s %s (%d participants)\n", marker, room.ID, len(room.Participants))
		}

	case "/select":
		if arg == "" {
			fmt.Fprintln(os.Stderr, "usage: /select <room-id>")
			return false
		}
		room, err := a.SelectRoom(arg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "select: %v\n", err)
			return false
		}
		watchRoom(a, room)
		fmt.Printf("active room: %s\n", room.ID)

	case "/leave":
		if err := a.DeselectRoom(); err != nil {
			fmt.Fprintf(os.Stderr, "leave: %v\n", err)
		}

	case "/call":
		if err := a.Call(); err != nil {
			fmt.Fprintf(os.Stderr, "call: %v\n", err)
		}

	case "/hangup":
		if err := a.HangUp(); err != nil {
			fmt.Fprintf(os.Stderr, "hangup: %v\n", err)
		}

	case "/mute":
		toggleTrack(a, rtc.KindAudio)

	case "/video":
		toggleTrack(a, rtc.KindVideo)

	case "/peers":
		room, ok := a.ActiveRoom()
		if !ok {
			fmt.Fprintln(os.Stderr, "no active room")
			return false
		}
		for _, s := range a.PeerSessions(room.ID) {
			fmt.Printf("%s: %s\n", s.PeerID, s.State)
		}

	case "/diag":
		for _, d := range a.Diagnostics() {
			fmt.Printf("%s %-18s %s\n", d.Time.Format("15:04:05"), d.Kind, d.Detail)
		}

	default:
		fmt.Fprintf(os.Stderr, "unknown command %s\n", cmd)
	}
	return false
}

func toggleTrack(a *app.App, kind string) {
	enabled, err := a.ToggleTrack(kind)
	if err != nil {
		fmt.Fprintf(os.Stderr, "toggle %s: %v\n", kind, err)
		return
	}
	state := "off"
	if enabled {
		state = "on"
	}
	fmt.Printf("%s %s\n", kind, state)
}
