package live

import (
	"bufio"
	"io"
	"strings"
)

// frame is one dispatched server-sent event.
type frame struct {
	event string
	id    string
	data  string
}

// frameReader splits a text/event-stream body into frames. Comment lines
// (":" prefix) and unknown fields are skipped; multiple data lines are joined
// with "\n". Lines may end in \n or \r\n.
type frameReader struct {
	r *bufio.Reader
}

func newFrameReader(r io.Reader) *frameReader {
	return &frameReader{r: bufio.NewReaderSize(r, 16<<10)}
}

// Next blocks until a complete frame is read. A trailing frame without its
// terminating blank line is dropped and the read error is returned.
func (fr *frameReader) Next() (frame, error) {
	var (
		f       frame
		data    strings.Builder
		hasData bool
	)
	for {
		line, err := fr.r.ReadString('\n')
		if err != nil {
			return frame{}, err
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if !hasData && f.event == "" {
				continue
			}
			f.data = data.String()
			return f, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "data":
			if hasData {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			hasData = true
		case "event":
			f.event = value
		case "id":
			f.id = value
		}
	}
}
