package cache

import "fmt"

// Key scheme:
// - roomKey(docID):           candidate member set (Set<userId>)
// - memberKey(docID,userID):  member heartbeat key (String "1" with TTL)
// - namesKey(docID):          userId -> username map (Hash)
// - stateKey(docID,userID):   member cursor/selection JSON (String with TTL)
//
// A member is alive while its heartbeat key exists; expiry is the TTL.
const (
	keyRoomFmt   = "presence:room:%s"
	keyMemberFmt = "presence:member:%s:%d"
	keyNamesFmt  = "presence:room:names:%s"
	keyStateFmt  = "presence:state:%s:%d"
)

func roomKey(docID string) string                  { return fmt.Sprintf(keyRoomFmt, docID) }
func memberKey(docID string, userID uint64) string { return fmt.Sprintf(keyMemberFmt, docID, userID) }
func namesKey(docID string) string                 { return fmt.Sprintf(keyNamesFmt, docID) }
func stateKey(docID string, userID uint64) string  { return fmt.Sprintf(keyStateFmt, docID, userID) }
