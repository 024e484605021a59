package cli

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/shaiso/Freight/internal/domain"
)

// maxRecordLine — максимальная длина строки NDJSON.
const maxRecordLine = 4 << 20

// ReadRecords читает записи job: JSON-массив объектов {"id", "payload"}
// или NDJSON (по объекту на строку). Пустые строки NDJSON пропускаются.
func ReadRecords(r io.Reader) ([]domain.Record, error) {
	br := bufio.NewReader(r)

	first, err := peekNonSpace(br)
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read records: %w", err)
	}

	if first == '[' {
		var records []domain.Record
		if err := json.NewDecoder(br).Decode(&records); err != nil {
			return nil, fmt.Errorf("decode records array: %w", err)
		}
		return records, nil
	}

	var records []domain.Record
	sc := bufio.NewScanner(br)
	sc.Buffer(make([]byte, 64*1024), maxRecordLine)
	line := 0
	for sc.Scan() {
		line++
		data := bytes.TrimSpace(sc.Bytes())
		if len(data) == 0 {
			continue
		}
		var rec domain.Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("decode record on line %d: %w", line, err)
		}
		records = append(records, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read records: %w", err)
	}
	return records, nil
}

// peekNonSpace пропускает пробельные символы и возвращает первый значащий байт,
// не извлекая его из reader.
func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		}
		if err := br.UnreadByte(); err != nil {
			return 0, err
		}
		return b, nil
	}
}
