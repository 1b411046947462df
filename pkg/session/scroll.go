package session

// FollowHint reports whether a surface should keep the view pinned to the
// newest message after an insert: true when the viewport bottom is within
// slack of the content end. Pure presentation policy; the UI layer may
// ignore it.
func FollowHint(scrollOffset, viewportHeight, contentHeight, slack int) bool {
	if contentHeight <= viewportHeight {
		return true
	}
	if slack < 0 {
		slack = 0
	}
	return contentHeight-(scrollOffset+viewportHeight) <= slack
}
