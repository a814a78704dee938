package main

import (
	"bytes"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/soypat/cyw43/whd"
	"github.com/soypat/saleae"
	"github.com/soypat/saleae/analyzers"
)

// BusCtl controls how captured gSPI transactions are decoded and printed.
type BusCtl struct {
	// Bus ordering of the command word.
	Order binary.ByteOrder
	// Interpret bytes as words.
	WordInterpreter binary.ByteOrder
	TrimForce       uint
	TrimStatus      bool
	OmitReadData    bool
	OmitRead        bool
	OmitWrite       bool
	OmitIneffectual bool
	PadDataToWord   bool
	// Annotate decodes SDPCM, CDC and BDC headers of WLAN function transfers.
	Annotate bool
	// Timings receives one line per printed transaction with its start time.
	Timings io.Writer
	log     *slog.Logger
}

func main() {
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "cywanalyze - Process Binary Saleae digital data files corresponding to CYW43439 transactions.\n\tUsage:\n")
		flag.PrintDefaults()
	}
	sdio := flag.String("f-sd", "digital_1.bin", "Input filename: SPI SDO/SDI data.")
	enable := flag.String("f-cs", "digital_0.bin", "Input filename: SPI CS/SS data.")
	clk := flag.String("f-clk", "digital_2.bin", "Input filename: SPI clock data.")
	output := flag.String("o-cmd", "commands.txt", "Output filename of CYW43439 command transactions.")
	timingsOutput := flag.String("o-time", "", "Output timing data to a file corresponding to output command history line-by-line.")
	flagInterpretWords := flag.String("interpret-words", "", "Interpret byte data as uint32 words based on bctl-le. Accepts 'be' or 'le'.")
	flagBCTLLE := flag.String("bctl-order", "le", "Bus Control register in little endian mode.")
	flagTrimStatus := flag.Bool("trim-stat", false, "Trim status word. Will look at command length and trim 4 trailing bytes not part of actual command data.")
	flagTrimForce := flag.Uint("trim-force", 0, "Trims n bytes off the end of every command.")
	omitReadData := flag.Bool("omit-read-data", false, "Choose to omit read data in output.")
	omitReadAll := flag.Bool("omit-read", false, "Choose to omit read commands in output.")
	omitWriteAll := flag.Bool("omit-write", false, "Choose to omit write commands in output.")
	omitIneffectual := flag.Bool("omit-inef", false, "Omit data after the command size.")
	padDataToWord := flag.Bool("pad-data", false, "Pad data to word size (4 bytes).")
	annotate := flag.Bool("annotate", true, "Decode SDPCM/CDC/BDC headers of WLAN transfers.")
	flag.Parse()
	if *flagInterpretWords == "" {
		*flagInterpretWords = *flagBCTLLE
	}
	order, err := parseOrder(*flagBCTLLE)
	if err != nil {
		fatal(log, err)
	}
	words, err := parseOrder(*flagInterpretWords)
	if err != nil {
		fatal(log, err)
	}
	bus := BusCtl{
		Order:           order,
		WordInterpreter: words,
		TrimForce:       *flagTrimForce,
		TrimStatus:      *flagTrimStatus,
		OmitReadData:    *omitReadData,
		OmitRead:        *omitReadAll,
		OmitWrite:       *omitWriteAll,
		PadDataToWord:   *padDataToWord,
		OmitIneffectual: *omitIneffectual,
		Annotate:        *annotate,
		log:             log,
	}
	if bus.OmitRead && bus.OmitWrite {
		fatal(log, errors.New("cannot omit both read and write commands"))
	}
	if *timingsOutput != "" {
		log.Info("creating timings file", slog.String("name", *timingsOutput))
		fp, err := os.Create(*timingsOutput)
		if err != nil {
			fatal(log, err)
		}
		defer fp.Close()
		bus.Timings = fp
	}
	start := time.Now()
	commands, err := bus.processSpiFiles(*sdio, *clk, *enable)
	if err != nil {
		fatal(log, err)
	}
	fp, err := os.Create(*output)
	if err != nil {
		fatal(log, err)
	}
	defer fp.Close()
	if err = bus.write(fp, commands); err != nil {
		fatal(log, err)
	}
	log.Info("finished", slog.Int("transactions", len(commands)), slog.Duration("elapsed", time.Since(start)))
}

func fatal(log *slog.Logger, err error) {
	log.Error("cywanalyze", slog.String("err", err.Error()))
	os.Exit(1)
}

func parseOrder(s string) (binary.ByteOrder, error) {
	switch s {
	case "be":
		return binary.BigEndian, nil
	case "le":
		return binary.LittleEndian, nil
	}
	return nil, fmt.Errorf("invalid ordering %q", s)
}

// write prints one line per transaction to w.
func (bus *BusCtl) write(w io.Writer, commands []cywtx) (err error) {
	const fmtMsg = "cmd×%2d %s data=%#x"
	for _, action := range commands {
		if (bus.OmitRead && !action.Cmd.Write) || (bus.OmitWrite && action.Cmd.Write) {
			continue
		} else if bus.OmitReadData && !action.Cmd.Write {
			action.Data = []byte{}
		} else if bus.PadDataToWord {
			action.Data = bus.padWord(action.Data)
		}
		if bus.OmitIneffectual && action.Cmd.Size < uint32(len(action.Data)) {
			action.Data = action.Data[:action.Cmd.Size]
		}
		cmd := formatCmd(action.Cmd)
		if action.Cmd.Size < uint32(len(action.Data)) {
			// Data after the space is not part of the command.
			_, err = fmt.Fprintf(w, fmtMsg+" %x", action.Num, cmd, action.Data[:action.Cmd.Size], action.Data[action.Cmd.Size:])
		} else {
			_, err = fmt.Fprintf(w, fmtMsg, action.Num, cmd, action.Data)
		}
		if err != nil {
			return err
		}
		if bus.Annotate && action.Cmd.Fn == whd.FuncWLAN {
			if note := annotateFrame(action.Data); note != "" {
				fmt.Fprint(w, "  ", note)
			}
		}
		if _, err = fmt.Fprintln(w); err != nil {
			return err
		}
		if bus.Timings != nil {
			fmt.Fprintf(bus.Timings, "t=%f\tdata=%#x\n", action.Start, action.Data)
		}
	}
	return nil
}

func (bus *BusCtl) padWord(data []byte) []byte {
	rem := len(data) % 4
	if rem == 0 {
		return data
	}
	unpadded := len(data) - rem
	out := append([]byte{}, data[:unpadded]...)
	if bus.WordInterpreter == binary.BigEndian {
		out = append(out, make([]byte, 4-rem)...)
		return append(out, data[unpadded:]...)
	}
	out = append(out, data[unpadded:]...)
	return append(out, make([]byte, 4-rem)...)
}

func (bus *BusCtl) processSpiFiles(fsdio, fclk, fenable string) ([]cywtx, error) {
	sdio, err := opendigital(fsdio)
	if err != nil {
		return nil, err
	}
	clk, err := opendigital(fclk)
	if err != nil {
		return nil, err
	}
	enable, err := opendigital(fenable)
	if err != nil {
		return nil, err
	}
	spi := analyzers.SPI{}
	txs, _ := spi.Scan(clk, enable, sdio, sdio)
	bus.log.Debug("scanned capture", slog.Int("spi_transactions", len(txs)))
	raw := make([]rawTx, len(txs))
	for i := range txs {
		raw[i] = rawTx{SDO: txs[i].SDO, Start: txs[i].StartTime()}
	}
	return bus.process(raw), nil
}

func opendigital(filename string) (*saleae.DigitalFile, error) {
	fp, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer fp.Close()
	return saleae.ReadDigitalFile(fp)
}

func formatCmd(cmd whd.CmdWord) string {
	return fmt.Sprintf("addr=%#7x  fn=%9s  sz=%4v write=%5v autoinc=%5v",
		cmd.Addr, cmd.Fn.String(), cmd.Size, cmd.Write, cmd.AutoInc)
}

// errShortCommand marks transfers too short to carry a command word.
var errShortCommand = errors.New("transfer shorter than command word")

// CommandFromBytes splits a raw transfer into its command word and data.
// Backplane reads drop their padding word.
func (bus *BusCtl) CommandFromBytes(b []byte) (cmd whd.CmdWord, data []byte, err error) {
	if len(b) < 4 {
		return cmd, b, errShortCommand
	}
	cmd = whd.DecodeCmdWord(bus.Order.Uint32(b))
	data = b[4:]
	if cmd.Fn == whd.FuncBackplane && !cmd.Write && len(data) > 4 {
		data = b[8:]
	}
	if bus.TrimForce > 0 {
		data = data[:max(0, len(data)-int(bus.TrimForce))]
	}
	if bus.TrimStatus && len(data)-int(cmd.Size) == 4 {
		data = data[:cmd.Size]
	}
	return cmd, data, nil
}

// rawTx is a single chip-select framed transfer.
type rawTx struct {
	SDO   []byte
	Start float64
}

type cywtx struct {
	Num   int
	Cmd   whd.CmdWord
	Data  []byte
	Start float64
}

// process decodes transfers, collapsing identical consecutive ones into a
// single entry with a repeat count.
func (bus *BusCtl) process(txs []rawTx) (cytxs []cywtx) {
	for i := 0; i < len(txs); i++ {
		tx := txs[i]
		cmd, data, err := bus.CommandFromBytes(tx.SDO)
		if err != nil {
			bus.log.Warn("skipping transfer", slog.Int("index", i), slog.Int("len", len(tx.SDO)))
			continue
		}
		repeats := 1
		for j := i + 1; j < len(txs); j++ {
			nextcmd, nextdata, err := bus.CommandFromBytes(txs[j].SDO)
			if err != nil || nextcmd != cmd || !bytes.Equal(data, nextdata) {
				break
			}
			repeats++
			i = j
		}
		bus.interpretBytes(data)
		cytxs = append(cytxs, cywtx{Num: repeats, Cmd: cmd, Data: data, Start: tx.Start})
	}
	return cytxs
}

func (bus *BusCtl) interpretBytes(data []byte) {
	if bus.WordInterpreter == bus.Order {
		return
	}
	for len(data) >= 4 {
		word := bus.Order.Uint32(data[:4])
		bus.WordInterpreter.PutUint32(data[:4], word)
		data = data[4:]
	}
}

// annotateFrame describes the SDPCM frame in data, if it holds one.
func annotateFrame(data []byte) string {
	hdr, err := whd.DecodeSDPCMHeader(data)
	if err != nil || hdr.Size == 0 || hdr.Size != ^hdr.SizeCom {
		return ""
	}
	s := fmt.Sprintf("sdpcm{%s seq=%d credit=%d len=%d}", hdr.Type(), hdr.Seq, hdr.BusDataCredit, hdr.Size)
	if int(hdr.Size) > len(data) {
		return s + " truncated"
	}
	payload, err := hdr.Payload(data[:hdr.Size])
	if err != nil {
		return s
	}
	switch hdr.Type() {
	case whd.CONTROL_HEADER:
		cdc, err := whd.DecodeCDCHeader(payload)
		if err != nil {
			return s
		}
		s += fmt.Sprintf(" cdc{%s id=%d len=%d status=%d}", cdc.Cmd, cdc.ID, cdc.Length, cdc.Status)
		if cdc.Cmd == whd.WLC_GET_VAR || cdc.Cmd == whd.WLC_SET_VAR {
			body, _ := cdc.Payload(payload)
			if name, _, ok := bytes.Cut(body, []byte{0}); ok {
				s += fmt.Sprintf(" iovar=%q", name)
			}
		}
	case whd.ASYNCEVENT_HEADER:
		bdc, err := whd.DecodeBDCHeader(payload)
		if err != nil {
			return s
		}
		body, _ := bdc.Payload(payload)
		ev, err := whd.DecodeEventPacket(body)
		if err != nil {
			return s
		}
		m := ev.Message
		s += fmt.Sprintf(" event{%s status=%s reason=%d flags=%#x}", m.EventType, m.Status, m.Reason, m.Flags)
	case whd.DATA_HEADER:
		bdc, err := whd.DecodeBDCHeader(payload)
		if err != nil {
			return s
		}
		body, _ := bdc.Payload(payload)
		s += fmt.Sprintf(" data{iface=%d len=%d}", bdc.Flags2&0x7, len(body))
	}
	return s
}
