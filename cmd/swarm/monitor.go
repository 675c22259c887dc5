package main

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"github.com/spf13/cobra"

	"swarm_auction/internal/domain"
	"swarm_auction/internal/feed"
)

const maxFeedLines = 200

type monitorOptions struct {
	addr     string
	interval time.Duration
	embedded bool
	dbPath   string
}

type embeddedCoordinator struct {
	cmd *exec.Cmd
	out bytes.Buffer
}

func newMonitorCmd(root *rootOptions) *cobra.Command {
	opts := &monitorOptions{}
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Terminal dashboard for a running coordinator",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMonitor(cmd, root, opts)
		},
	}
	cmd.Flags().StringVar(&opts.addr, "addr", "http://localhost:8092", "coordinator base URL")
	cmd.Flags().DurationVar(&opts.interval, "interval", 2*time.Second, "refresh interval")
	cmd.Flags().BoolVar(&opts.embedded, "embedded", false, "start a coordinator for the lifetime of the monitor")
	cmd.Flags().StringVar(&opts.dbPath, "db", "data/embedded.db", "sqlite db path for the embedded coordinator")
	return cmd
}

func runMonitor(cmd *cobra.Command, root *rootOptions, opts *monitorOptions) error {
	c := newClient(opts.addr, 10*time.Second)

	if opts.embedded {
		proc, err := startEmbeddedCoordinator(opts.addr, opts.dbPath, root.configPath)
		if err != nil {
			return fmt.Errorf("start embedded coordinator: %w", err)
		}
		defer proc.Stop()
	}
	if err := waitHealth(c, 30*time.Second); err != nil {
		return fmt.Errorf("coordinator health check failed: %w", err)
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	app := tview.NewApplication()

	summaryView := tview.NewTextView().SetDynamicColors(true)
	summaryView.SetBorder(true).SetTitle("Swarm")

	agentsTable := tview.NewTable().SetBorders(false).SetSelectable(false, false)
	agentsTable.SetBorder(true).SetTitle("Agents")

	tasksTable := tview.NewTable().SetBorders(false).SetSelectable(true, false)
	tasksTable.SetBorder(true).SetTitle("Tasks (Enter inspect, F5 refresh, F10 quit)")

	feedView := tview.NewTextView().SetDynamicColors(true).SetWrap(false)
	feedView.SetBorder(true).SetTitle("Live feed")

	detailView := tview.NewTextView().SetDynamicColors(true).SetWrap(true)
	detailView.SetBorder(true).SetTitle("Task")

	promptInput := tview.NewInputField().SetLabel("> ")
	promptInput.SetBorder(true).SetTitle("Enter = auction task | F2 = spawn agent | F3 = complete selected")

	statusView := tview.NewTextView().SetDynamicColors(true).SetWrap(false)
	statusView.SetBorder(true).SetTitle("Status")
	statusView.SetText(fmt.Sprintf(
		"Connected to %s | embedded=%t | shortcuts: F10 quit, F5 refresh, Ctrl+L focus prompt, Ctrl+T focus tasks",
		c.baseURL, opts.embedded,
	))

	left := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(summaryView, 4, 0, false).
		AddItem(agentsTable, 0, 1, false).
		AddItem(tasksTable, 0, 2, false)
	right := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(feedView, 0, 3, false).
		AddItem(detailView, 0, 2, false)
	mainLayout := tview.NewFlex().
		AddItem(left, 0, 3, false).
		AddItem(right, 0, 2, false)
	layout := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(mainLayout, 0, 12, false).
		AddItem(promptInput, 3, 0, true).
		AddItem(statusView, 3, 0, false)

	var (
		mu             sync.Mutex
		selectedTaskID string
		lastTasks      []domain.Task
		feedLines      []string
	)

	setStatusUI := func(msg string) {
		statusView.SetText(msg)
	}
	setStatusAsync := func(msg string) {
		app.QueueUpdateDraw(func() {
			statusView.SetText(msg)
		})
	}

	refresh := func() {
		st, stErr := c.status()
		agents, agErr := c.listAgents()
		tasks, tkErr := c.listTasks()

		mu.Lock()
		if tkErr == nil {
			lastTasks = tasks
		}
		selected := selectedTaskID
		current := append([]domain.Task(nil), lastTasks...)
		mu.Unlock()

		app.QueueUpdateDraw(func() {
			if stErr != nil {
				summaryView.SetText(fmt.Sprintf("load error: %v", stErr))
			} else {
				summaryView.SetText(renderSummary(st))
			}
			if agErr != nil {
				agentsTable.Clear()
				agentsTable.SetCell(0, 0, tview.NewTableCell(fmt.Sprintf("load error: %v", agErr)).SetTextColor(tview.Styles.ContrastSecondaryTextColor))
			} else {
				renderAgentsTable(agentsTable, agents)
			}
			if tkErr != nil {
				tasksTable.Clear()
				tasksTable.SetCell(0, 0, tview.NewTableCell(fmt.Sprintf("load error: %v", tkErr)).SetTextColor(tview.Styles.ContrastSecondaryTextColor))
			} else {
				renderTasksTable(tasksTable, current, selected)
			}
			detailView.SetText(renderTaskDetail(findTask(current, selected)))
		})
	}

	appendFeed := func(ev feed.Event) {
		mu.Lock()
		feedLines = append(feedLines, renderFeedLine(ev))
		if over := len(feedLines) - maxFeedLines; over > 0 {
			feedLines = append([]string(nil), feedLines[over:]...)
		}
		text := strings.Join(feedLines, "\n")
		mu.Unlock()
		app.QueueUpdateDraw(func() {
			feedView.SetText(text)
			feedView.ScrollToEnd()
		})
	}

	submitAuction := func(description string) {
		description = strings.TrimSpace(description)
		if description == "" {
			return
		}
		promptInput.SetText("")
		setStatusUI("Auctioning task, waiting for bids...")
		go func() {
			res, err := c.auctionTask(description)
			if err != nil {
				setStatusAsync("Auction failed: " + err.Error())
				return
			}
			mu.Lock()
			selectedTaskID = res.TaskID
			mu.Unlock()
			refresh()
			setStatusAsync(renderAuctionResult(res))
		}()
	}

	spawnAgent := func(name string) {
		name = strings.TrimSpace(name)
		if name == "" {
			setStatusUI("Type an agent name first")
			return
		}
		promptInput.SetText("")
		go func() {
			res, err := c.spawnAgent(name)
			if err != nil {
				setStatusAsync("Spawn failed: " + err.Error())
				return
			}
			refresh()
			setStatusAsync(fmt.Sprintf("Agent spawned: %s (%s)", res.Name, shortID(res.AgentID)))
		}()
	}

	completeSelected := func(result string) {
		mu.Lock()
		taskID := selectedTaskID
		mu.Unlock()
		if taskID == "" {
			setStatusUI("Select a task first")
			return
		}
		promptInput.SetText("")
		go func() {
			if err := c.completeTask(taskID, strings.TrimSpace(result)); err != nil {
				setStatusAsync("Complete failed: " + err.Error())
				return
			}
			refresh()
			setStatusAsync("Task completed: " + shortID(taskID))
		}()
	}

	promptInput.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		submitAuction(promptInput.GetText())
	})

	tasksTable.SetSelectedFunc(func(row, _ int) {
		mu.Lock()
		if row <= 0 || row > len(lastTasks) {
			mu.Unlock()
			return
		}
		selectedTaskID = lastTasks[row-1].ID
		task := findTask(lastTasks, selectedTaskID)
		mu.Unlock()
		detailView.SetText(renderTaskDetail(task))
	})

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyF10:
			app.Stop()
			return nil
		case tcell.KeyF5:
			go refresh()
			setStatusUI("Manual refresh")
			return nil
		case tcell.KeyF2:
			spawnAgent(promptInput.GetText())
			return nil
		case tcell.KeyF3:
			completeSelected(promptInput.GetText())
			return nil
		case tcell.KeyCtrlL:
			app.SetFocus(promptInput)
			setStatusUI("Focus -> prompt")
			return nil
		case tcell.KeyCtrlT, tcell.KeyEscape:
			app.SetFocus(tasksTable)
			setStatusUI("Focus -> tasks")
			return nil
		case tcell.KeyTAB:
			if app.GetFocus() == promptInput {
				app.SetFocus(tasksTable)
			} else {
				app.SetFocus(promptInput)
			}
			return nil
		}
		if event.Key() == tcell.KeyRune && app.GetFocus() != promptInput {
			app.SetFocus(promptInput)
		}
		return event
	})

	go func() {
		ticker := time.NewTicker(opts.interval)
		defer ticker.Stop()
		refresh()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				refresh()
			}
		}
	}()

	go func() {
		for ctx.Err() == nil {
			err := c.follow(ctx, appendFeed)
			if ctx.Err() != nil {
				return
			}
			setStatusAsync("Live feed disconnected: " + err.Error())
			select {
			case <-ctx.Done():
				return
			case <-time.After(2 * time.Second):
			}
		}
	}()

	if err := app.SetRoot(layout, true).EnableMouse(true).SetFocus(promptInput).Run(); err != nil {
		return fmt.Errorf("monitor failed: %w", err)
	}
	return nil
}

func waitHealth(c *client, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if c.healthy() {
			return nil
		}
		time.Sleep(400 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for /healthz")
}

func startEmbeddedCoordinator(addr, dbPath, configPath string) (*embeddedCoordinator, error) {
	parsed, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("parse addr: %w", err)
	}
	port := parsed.Port()
	if port == "" {
		return nil, fmt.Errorf("addr must include explicit port, got %q", addr)
	}

	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate executable: %w", err)
	}
	args := []string{"serve", "--addr", ":" + port, "--db", dbPath}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}

	proc := &embeddedCoordinator{cmd: exec.Command(self, args...)}
	proc.cmd.Stdout = &proc.out
	proc.cmd.Stderr = &proc.out
	if err := proc.cmd.Start(); err != nil {
		return nil, fmt.Errorf("start coordinator process: %w", err)
	}
	return proc, nil
}

func (e *embeddedCoordinator) Stop() {
	if e == nil || e.cmd == nil || e.cmd.Process == nil {
		return
	}
	_ = e.cmd.Process.Kill()
	_, _ = e.cmd.Process.Wait()
}

func renderSummary(st domain.SwarmStatus) string {
	return fmt.Sprintf(
		"agents=%d idle=%d busy=%d | tasks=%d pending=%d running=%d completed=%d | auctions=%d",
		st.Agents, st.AgentsIdle, st.AgentsBusy,
		st.TasksTotal, st.TasksPending, st.TasksRunning, st.TasksCompleted,
		st.ActiveAuctions,
	)
}

func renderAgentsTable(table *tview.Table, agents []domain.AgentRecord) {
	table.Clear()
	headers := []string{"Agent", "Name", "Status", "Last seen", "Capabilities"}
	for i, h := range headers {
		table.SetCell(0, i, tview.NewTableCell(h).SetSelectable(false).SetAttributes(tcell.AttrBold))
	}
	sorted := append([]domain.AgentRecord(nil), agents...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	for i, a := range sorted {
		row := i + 1
		table.SetCell(row, 0, tview.NewTableCell(shortID(a.ID)))
		table.SetCell(row, 1, tview.NewTableCell(a.Name))
		table.SetCell(row, 2, tview.NewTableCell(string(a.Status)).SetTextColor(agentStatusColor(a.Status)))
		table.SetCell(row, 3, tview.NewTableCell(a.LastSeen.Local().Format("15:04:05")))
		table.SetCell(row, 4, tview.NewTableCell(trimLine(a.Capabilities, 32)))
	}
}

func renderTasksTable(table *tview.Table, tasks []domain.Task, selectedTaskID string) {
	table.Clear()
	headers := []string{"Task", "Status", "Agent", "Created", "Description"}
	for i, h := range headers {
		table.SetCell(0, i, tview.NewTableCell(h).SetSelectable(false).SetAttributes(tcell.AttrBold))
	}
	for i, t := range tasks {
		row := i + 1
		agent := "-"
		if t.AssignedAgent != nil {
			agent = shortID(*t.AssignedAgent)
		}
		table.SetCell(row, 0, tview.NewTableCell(shortID(t.ID)))
		table.SetCell(row, 1, tview.NewTableCell(string(t.Status)))
		table.SetCell(row, 2, tview.NewTableCell(agent))
		table.SetCell(row, 3, tview.NewTableCell(t.CreatedAt.Local().Format("15:04:05")))
		table.SetCell(row, 4, tview.NewTableCell(trimLine(t.Description, 64)))
		if t.ID == selectedTaskID {
			table.Select(row, 0)
		}
	}
}

func renderTaskDetail(task *domain.Task) string {
	if task == nil {
		return "No task selected"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "id: %s\nstatus: %s\n", task.ID, task.Status)
	if task.AssignedAgent != nil {
		fmt.Fprintf(&b, "agent: %s\n", *task.AssignedAgent)
	}
	fmt.Fprintf(&b, "created: %s\n", task.CreatedAt.Local().Format(time.DateTime))
	if task.CompletedAt != nil {
		fmt.Fprintf(&b, "completed: %s\n", task.CompletedAt.Local().Format(time.DateTime))
	}
	fmt.Fprintf(&b, "\n%s\n", task.Description)
	if task.Result != nil {
		fmt.Fprintf(&b, "\nresult:\n%s\n", *task.Result)
	}
	return b.String()
}

func renderFeedLine(ev feed.Event) string {
	keys := make([]string, 0, len(ev.Data))
	for k := range ev.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v := fmt.Sprint(ev.Data[k])
		if strings.HasSuffix(k, "_id") {
			v = shortID(v)
		}
		parts = append(parts, fmt.Sprintf("%s=%s", k, trimLine(v, 48)))
	}
	return fmt.Sprintf("[%s] %s %s", ev.Timestamp.Local().Format("15:04:05"), ev.Event, strings.Join(parts, " "))
}

func renderAuctionResult(res auctionResult) string {
	if res.AssignedAgent == nil || res.WinningBid == nil {
		return fmt.Sprintf("Task %s got no bids (status=%s)", shortID(res.TaskID), res.Status)
	}
	return fmt.Sprintf("Task %s assigned to %s for %d sats", shortID(res.TaskID), shortID(*res.AssignedAgent), *res.WinningBid)
}

func agentStatusColor(s domain.AgentStatus) tcell.Color {
	switch s {
	case domain.AgentStatusIdle:
		return tcell.ColorGreen
	case domain.AgentStatusBusy:
		return tcell.ColorYellow
	default:
		return tcell.ColorGray
	}
}

func findTask(tasks []domain.Task, id string) *domain.Task {
	if id == "" {
		return nil
	}
	for i := range tasks {
		if tasks[i].ID == id {
			return &tasks[i]
		}
	}
	return nil
}

func trimLine(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}

func shortID(v string) string {
	if len(v) <= 8 {
		return v
	}
	return v[:8]
}
