package fragment

// Sort orders a packet's fragment list by fragment number using a recursive
// merge sort: slow/fast pointer split, recurse each half, merge by smallest
// number first. Chosen over insertion into a sorted list because in-order
// arrival isn't guaranteed and the worst-case list length is
// MaxFragmentsPerPacket, where O(K log K) beats the quadratic alternative.
func Sort(p *Packet) {
	p.Head = sort(p.Head)
}

func sort(head *Fragment) *Fragment {
	if head == nil || head.Next == nil {
		return head
	}

	front, back := frontBackSplit(head)
	front = sort(front)
	back = sort(back)
	return merge(front, back)
}

// frontBackSplit splits src into two lists, roughly in half, using the
// slow/fast pointer technique. The one- and two-item cases are handled
// directly rather than falling into the general loop.
func frontBackSplit(src *Fragment) (front, back *Fragment) {
	if src.Next == nil {
		return src, nil
	}
	if src.Next.Next == nil {
		front, back = src, src.Next
		front.Next = nil
		return front, back
	}

	slow, fast := src, src.Next
	for fast != nil && fast.Next != nil {
		fast = fast.Next
		if fast != nil {
			slow = slow.Next
			fast = fast.Next
		}
	}

	front = src
	back = slow.Next
	slow.Next = nil
	return front, back
}

func merge(a, b *Fragment) *Fragment {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}

	var result *Fragment
	if a.Number <= b.Number {
		result = a
		result.Next = merge(a.Next, b)
	} else {
		result = b
		result.Next = merge(a, b.Next)
	}
	return result
}
