//go:build cgo

package main

/*
#include <stdlib.h>
*/
import "C"
import (
	"unsafe"
)

//export TNInit
func TNInit(configPath, dataDir *C.char) *C.char {
	return C.CString(core.open(C.GoString(configPath), C.GoString(dataDir)))
}

//export TNClose
func TNClose() *C.char {
	return C.CString(core.close())
}

//export TNRecordCreate
func TNRecordCreate(table, body *C.char) *C.char {
	return C.CString(core.create(C.GoString(table), C.GoString(body)))
}

//export TNRecordUpdate
func TNRecordUpdate(table, id, body *C.char) *C.char {
	return C.CString(core.update(C.GoString(table), C.GoString(id), C.GoString(body)))
}

//export TNRecordDelete
func TNRecordDelete(table, id *C.char) *C.char {
	return C.CString(core.remove(C.GoString(table), C.GoString(id)))
}

//export TNRecordGet
func TNRecordGet(table, id *C.char) *C.char {
	return C.CString(core.get(C.GoString(table), C.GoString(id)))
}

//export TNRecordList
func TNRecordList(table *C.char) *C.char {
	return C.CString(core.list(C.GoString(table)))
}

//export TNSyncNow
func TNSyncNow() *C.char {
	return C.CString(core.syncNow())
}

//export TNSyncStatus
func TNSyncStatus() *C.char {
	return C.CString(core.status())
}

//export TNSetOnline
func TNSetOnline(online C.int) *C.char {
	return C.CString(core.setOnline(online != 0))
}

//export FreeString
func FreeString(s *C.char) {
	if s != nil {
		C.free(unsafe.Pointer(s))
	}
}
