/******************************************************************************
 *
 *  Description :
 *    Package exposes info, warning and error loggers.
 *
 *****************************************************************************/
package logs

import (
	"io"
	"log"
	"os"
)

var (
	Info *log.Logger
	Warn *log.Logger
	Err  *log.Logger
)

func init() {
	Init(os.Stdout)
}

// Init (re)creates the loggers writing to the given destination.
func Init(w io.Writer) {
	Info = log.New(w, "I", log.LstdFlags)
	Warn = log.New(w, "W", log.LstdFlags)
	Err = log.New(w, "E", log.LstdFlags)
}
