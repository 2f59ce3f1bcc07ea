package cli

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	"github.com/iudanet/gophvault/internal/client/collab"
	"github.com/iudanet/gophvault/internal/client/iocli"
	"github.com/iudanet/gophvault/internal/textop"
	"github.com/iudanet/gophvault/pkg/api"
)

// ErrInvalidCommand команда не распознана или аргументы неверны
var ErrInvalidCommand = errors.New("invalid command")

// Document локальная копия документа, которую редактирует Editor
type Document interface {
	Document() collab.Document
	Submit(op textop.Operation) error
	RequestDocument() error
}

// Editor построчный редактор общего документа
type Editor struct {
	io  iocli.IO
	doc Document
}

// NewEditor создает редактор поверх терминала и клиента сессии
func NewEditor(io iocli.IO, doc Document) *Editor {
	return &Editor{io: io, doc: doc}
}

// Run читает команды до :quit или конца ввода.
// Ошибки отдельных команд печатаются и не прерывают цикл.
func (e *Editor) Run() error {
	for {
		line, err := e.io.ReadInput("> ")
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("failed to read command: %w", err)
		}

		quit, err := e.Execute(line)
		if err != nil {
			e.io.Printf("error: %v\n", err)
			continue
		}
		if quit {
			return nil
		}
	}
}

// Execute выполняет одну команду. Строка без ':' дописывается в конец документа.
func (e *Editor) Execute(line string) (bool, error) {
	if !strings.HasPrefix(line, ":") {
		return false, e.appendText(line + "\n")
	}

	name, rest, _ := strings.Cut(strings.TrimPrefix(line, ":"), " ")
	switch name {
	case "q", "quit":
		return true, nil
	case "help":
		e.printHelp()
		return false, nil
	case "show":
		e.show()
		return false, nil
	case "refresh":
		return false, e.doc.RequestDocument()
	case "append":
		return false, e.appendText(unescape(rest))
	case "insert":
		return false, e.insert(rest)
	case "delete":
		return false, e.delete(rest)
	case "replace":
		return false, e.replace(unescape(rest))
	default:
		return false, fmt.Errorf("%w: unknown command %q", ErrInvalidCommand, name)
	}
}

func (e *Editor) show() {
	doc := e.doc.Document()
	e.io.Printf("--- version %d, %s, %s ---\n", doc.Version, doc.Role,
		humanize.Bytes(uint64(len(doc.Text))))
	e.io.Printf("%s", doc.Text)
	if doc.Text != "" && !strings.HasSuffix(doc.Text, "\n") {
		e.io.Println()
	}
	e.io.Println("---")
}

func (e *Editor) appendText(text string) error {
	if text == "" {
		return fmt.Errorf("%w: nothing to append", ErrInvalidCommand)
	}
	n := utf8.RuneCountInString(e.doc.Document().Text)
	return e.doc.Submit(textop.InsertAt(n, text, n))
}

// :insert POS TEXT
func (e *Editor) insert(args string) error {
	posArg, text, ok := strings.Cut(args, " ")
	if !ok || text == "" {
		return fmt.Errorf("%w: usage :insert POS TEXT", ErrInvalidCommand)
	}

	n := utf8.RuneCountInString(e.doc.Document().Text)
	pos, err := parsePosition(posArg, n)
	if err != nil {
		return err
	}
	return e.doc.Submit(textop.InsertAt(pos, unescape(text), n))
}

// :delete POS N
func (e *Editor) delete(args string) error {
	fields := strings.Fields(args)
	if len(fields) != 2 {
		return fmt.Errorf("%w: usage :delete POS N", ErrInvalidCommand)
	}

	n := utf8.RuneCountInString(e.doc.Document().Text)
	pos, err := parsePosition(fields[0], n)
	if err != nil {
		return err
	}
	count, err := strconv.Atoi(fields[1])
	if err != nil || count <= 0 || pos+count > n {
		return fmt.Errorf("%w: count must be in 1..%d", ErrInvalidCommand, n-pos)
	}
	return e.doc.Submit(textop.DeleteAt(pos, count, n))
}

func (e *Editor) replace(text string) error {
	n := utf8.RuneCountInString(e.doc.Document().Text)
	op := textop.Operation{}.Delete(n).Insert(text)
	if len(op) == 0 {
		return nil
	}
	return e.doc.Submit(op)
}

func (e *Editor) printHelp() {
	e.io.Println("Commands:")
	e.io.Println("  TEXT               append TEXT and a newline")
	e.io.Println("  :show              print the document")
	e.io.Println("  :append TEXT       append TEXT (\\n is a newline)")
	e.io.Println("  :insert POS TEXT   insert TEXT at character POS")
	e.io.Println("  :delete POS N      delete N characters at POS")
	e.io.Println("  :replace TEXT      replace the whole document")
	e.io.Println("  :refresh           request the full document from the server")
	e.io.Println("  :quit              leave the session")
}

func parsePosition(arg string, docLen int) (int, error) {
	pos, err := strconv.Atoi(arg)
	if err != nil || pos < 0 || pos > docLen {
		return 0, fmt.Errorf("%w: position must be in 0..%d", ErrInvalidCommand, docLen)
	}
	return pos, nil
}

func unescape(s string) string {
	return strings.ReplaceAll(s, `\n`, "\n")
}

// FormatEvent возвращает строку для вывода события сервера.
// Пустая строка означает, что событие не нужно показывать.
func FormatEvent(ev api.Event) string {
	switch ev.Name {
	case api.EventFullDocument:
		var p api.FullDocument
		if err := ev.Decode(&p); err != nil {
			return ""
		}
		return fmt.Sprintf("* document v%d loaded (%s), you are %s",
			p.Version, humanize.Bytes(uint64(len(p.Text))), p.Role)
	case api.EventChangeBroadcast:
		var p api.ChangeBroadcast
		if err := ev.Decode(&p); err != nil {
			return ""
		}
		return fmt.Sprintf("* v%d changed by %s", p.Version, p.ConnectionID)
	case api.EventChangeAck:
		var p api.ChangeAck
		if err := ev.Decode(&p); err != nil {
			return ""
		}
		return fmt.Sprintf("* v%d accepted", p.Version)
	case api.EventResyncRequired:
		return "* change rejected, reloading document"
	case api.EventParticipantJoined:
		var p api.ParticipantJoined
		if err := ev.Decode(&p); err != nil {
			return ""
		}
		return fmt.Sprintf("* %s joined as %s", p.UserID, p.ConnectionID)
	case api.EventParticipantLeft:
		var p api.ParticipantLeft
		if err := ev.Decode(&p); err != nil {
			return ""
		}
		return fmt.Sprintf("* %s left", p.ConnectionID)
	case api.EventMasterChanged:
		var p api.MasterChanged
		if err := ev.Decode(&p); err != nil {
			return ""
		}
		return fmt.Sprintf("* %s is now master", p.ConnectionID)
	case api.EventShareDisabled:
		return "* sharing was disabled, session closed"
	case api.EventError:
		var p api.ErrorPayload
		if err := ev.Decode(&p); err != nil {
			return "* error"
		}
		if p.Description != "" {
			return fmt.Sprintf("* error %s: %s", p.Code, p.Description)
		}
		return "* error " + p.Code
	default:
		return "* " + ev.Name
	}
}
