package confirmation

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
)

// Plan describes the destructive work a recovery is about to do
type Plan struct {
	SessionID  string
	Mode       string
	Archive    string
	Hostname   string
	CreatedAt  string
	Components []string
	// Actions are human-readable lines, e.g. "rename /etc/nginx aside"
	Actions  []string
	Warnings []string
}

// ConfirmationService asks the operator before destructive recovery steps
type ConfirmationService interface {
	ConfirmRecovery(plan *Plan, force bool) (bool, error)
	DisplayPlan(plan *Plan) error
	SelectComponents(available []string) ([]string, error)
}

type confirmationService struct {
	in        *bufio.Reader
	out       io.Writer
	useColors bool
	interrupt chan os.Signal
}

// NewConfirmationService prompts on stdin/stdout
func NewConfirmationService(useColors bool) ConfirmationService {
	return NewConfirmationServiceWithIO(os.Stdin, os.Stdout, useColors)
}

// NewConfirmationServiceWithIO prompts on the given streams
func NewConfirmationServiceWithIO(in io.Reader, out io.Writer, useColors bool) ConfirmationService {
	return &confirmationService{in: bufio.NewReader(in), out: out, useColors: useColors}
}

func (cs *confirmationService) colorize(text string, attrs ...color.Attribute) string {
	if !cs.useColors {
		return text
	}
	c := color.New(attrs...)
	c.EnableColor()
	return c.Sprint(text)
}

// DisplayPlan prints the archive, components and intended actions
func (cs *confirmationService) DisplayPlan(plan *Plan) error {
	w := cs.out
	fmt.Fprintln(w, cs.colorize("RECOVERY PLAN", color.Bold))
	fmt.Fprintln(w, strings.Repeat("=", 50))
	fmt.Fprintf(w, "Session:    %s\n", plan.SessionID)
	fmt.Fprintf(w, "Mode:       %s\n", plan.Mode)
	fmt.Fprintf(w, "Archive:    %s\n", plan.Archive)
	if plan.Hostname != "" {
		fmt.Fprintf(w, "Taken on:   %s at %s\n", plan.Hostname, plan.CreatedAt)
	}
	fmt.Fprintf(w, "Components: %s\n\n", strings.Join(plan.Components, ", "))

	if len(plan.Actions) > 0 {
		fmt.Fprintln(w, cs.colorize("Actions", color.Bold))
		fmt.Fprintln(w, strings.Repeat("-", 30))
		for i, a := range plan.Actions {
			fmt.Fprintf(w, "%d. %s\n", i+1, a)
		}
		fmt.Fprintln(w)
	}

	if len(plan.Warnings) > 0 {
		fmt.Fprintln(w, cs.colorize("WARNINGS", color.FgYellow, color.Bold))
		for _, warning := range plan.Warnings {
			fmt.Fprintf(w, "  - %s\n", cs.colorize(warning, color.FgYellow))
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintln(w, cs.colorize("Live data will be renamed aside and replaced from the archive.", color.FgRed))
	return nil
}

// ConfirmRecovery shows the plan and waits for an explicit yes. force skips the prompt.
func (cs *confirmationService) ConfirmRecovery(plan *Plan, force bool) (bool, error) {
	if err := cs.DisplayPlan(plan); err != nil {
		return false, fmt.Errorf("failed to display recovery plan: %w", err)
	}
	if force {
		fmt.Fprintln(cs.out, cs.colorize("Proceeding without confirmation (--force)", color.FgGreen))
		return true, nil
	}

	for {
		input, err := cs.prompt("Proceed with recovery? Type 'yes' to continue [yes/N]: ")
		if err != nil {
			return false, err
		}
		switch strings.ToLower(input) {
		case "yes", "y":
			return true, nil
		case "no", "n", "":
			fmt.Fprintln(cs.out, cs.colorize("Recovery cancelled", color.FgYellow))
			return false, nil
		default:
			fmt.Fprintf(cs.out, "Invalid input '%s'. Please enter 'yes' or 'no'.\n", input)
		}
	}
}

// SelectComponents asks which of the available components to restore.
// Blank input selects everything.
func (cs *confirmationService) SelectComponents(available []string) ([]string, error) {
	fmt.Fprintln(cs.out, cs.colorize("Components found in archive", color.Bold))
	for i, name := range available {
		fmt.Fprintf(cs.out, "  %d) %s\n", i+1, name)
	}

	for {
		input, err := cs.prompt("Select components (numbers or names, comma separated; blank for all): ")
		if err != nil {
			return nil, err
		}
		if input == "" {
			return append([]string(nil), available...), nil
		}
		chosen, bad := parseSelection(input, available)
		if bad == "" {
			return chosen, nil
		}
		fmt.Fprintf(cs.out, "Unknown component '%s'.\n", bad)
	}
}

func parseSelection(input string, available []string) ([]string, string) {
	seen := make(map[string]bool)
	var chosen []string
	for _, tok := range strings.FieldsFunc(input, func(r rune) bool { return r == ',' || r == ' ' }) {
		name := ""
		var idx int
		if _, err := fmt.Sscanf(tok, "%d", &idx); err == nil && idx >= 1 && idx <= len(available) {
			name = available[idx-1]
		} else {
			for _, a := range available {
				if strings.EqualFold(a, tok) {
					name = a
				}
			}
		}
		if name == "" {
			return nil, tok
		}
		if !seen[name] {
			seen[name] = true
			chosen = append(chosen, name)
		}
	}
	return chosen, ""
}

// prompt reads one line, giving up when the operator interrupts
func (cs *confirmationService) prompt(question string) (string, error) {
	interrupt := cs.interrupt
	if interrupt == nil {
		interrupt = make(chan os.Signal, 1)
		signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(interrupt)
	}

	fmt.Fprint(cs.out, cs.colorize(question, color.Bold))

	inputChan := make(chan string, 1)
	errorChan := make(chan error, 1)
	go func() {
		input, err := cs.in.ReadString('\n')
		if err != nil && input == "" {
			errorChan <- err
			return
		}
		inputChan <- strings.TrimSpace(input)
	}()

	select {
	case <-interrupt:
		fmt.Fprintln(cs.out, "\n"+cs.colorize("Operation cancelled by user", color.FgYellow))
		return "", ErrInterrupted
	case err := <-errorChan:
		return "", fmt.Errorf("failed to read user input: %w", err)
	case input := <-inputChan:
		return input, nil
	}
}

// ErrInterrupted is returned when the operator interrupts a prompt
var ErrInterrupted = errors.New("confirmation interrupted")

// Static answers every confirmation the same way, for non-interactive callers
type Static struct {
	Answer    bool
	Selection []string
}

func (s Static) ConfirmRecovery(plan *Plan, force bool) (bool, error) { return force || s.Answer, nil }
func (s Static) DisplayPlan(plan *Plan) error                          { return nil }
func (s Static) SelectComponents(available []string) ([]string, error) {
	if len(s.Selection) == 0 {
		return available, nil
	}
	return s.Selection, nil
}
